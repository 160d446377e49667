package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes worth another attempt.
var retriableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// WithRetry runs fn until it succeeds, fails with a non-transient error, or
// maxRetries extra attempts are spent. Delays start at baseDelay, double each
// attempt and carry up to baseDelay of jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isRetriable(err) || attempt >= maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
}
