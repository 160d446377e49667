// Package kansoku is a Go client for the kansoku run synchronization API.
//
// Client wraps the REST surface. Conn owns one live event subscription and
// reconnects with capped backoff. Engine folds a snapshot plus the live
// event stream into idempotent projections, and Session ties the three
// together behind an epoch guard.
package kansoku

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout is returned when a REST call exceeds the client timeout.
// Calls are never retried automatically.
var ErrTimeout = errors.New("kansoku: request timed out")

// ErrStale is returned when a snapshot load was overtaken by a newer one.
var ErrStale = errors.New("kansoku: superseded by a newer load")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("kansoku: session closed")

// Error represents an error from the kansoku API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kansoku: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsConflict returns true if the error is a 409, e.g. a command that is not
// valid in the run's current state.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsTimeout returns true if the call hit the client timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
