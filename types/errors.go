package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested object does not exist
	ErrNotFound = errors.New("not found")
	// ErrLineNotFound is returned when a line is not known
	ErrLineNotFound = fmt.Errorf("line %w", ErrNotFound)
	// ErrStationNotFound is returned when a station is not known
	ErrStationNotFound = fmt.Errorf("station %w", ErrNotFound)
	// ErrRouteNotFound is returned when a route does not exist or was deleted
	ErrRouteNotFound = fmt.Errorf("route %w", ErrNotFound)
	// ErrNoStationsForLine is returned when a line has no route variant with stations
	ErrNoStationsForLine = errors.New("no stations for line")
	// ErrTopologyUnavailable is returned by adjacency queries when the
	// connection graph has no active edges, i.e. it was never built or a
	// rebuild produced nothing. It is distinct from "no path".
	ErrTopologyUnavailable = errors.New("network topology unavailable")
	// ErrInvalidPreference is returned when a notification preference does
	// not have exactly one contact
	ErrInvalidPreference = errors.New("notification preference must have exactly one of email or phone")
	// ErrInvalidSegments is returned when route segments are malformed
	ErrInvalidSegments = errors.New("invalid route segments")
)

// RetryableError marks a transient infrastructure failure (feed timeouts,
// database connection issues) that the scheduler may retry with backoff
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err in a RetryableError. Returns nil if err is nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable returns whether err, or any error it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
