// Package model defines the domain types shared by the run orchestrator, the
// event log, the HTTP transport and the client SDK.
//
// Wire names follow the protocol's camelCase JSON. Identifiers are UUIDv7
// strings so they sort by creation time. Timestamps on the wire are epoch
// milliseconds.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ClampProgress bounds p to [0,1]. NaN becomes 0.
func ClampProgress(p float64) float64 {
	switch {
	case p != p:
		return 0
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
