// Package ratelimit throttles HTTP callers with per-key token buckets.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until one token is available again. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token for key. An error signals a limiter
	// malfunction; callers fail open.
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
