package eventlog

import (
	"errors"
	"fmt"
)

// Common errors returned by Store implementations.
var (
	// ErrMalformedCursor indicates a cursor token that could not be
	// decoded: bad encoding, bad JSON, an unknown variant tag, or a
	// cursor variant that is not valid for the read path it was given to.
	ErrMalformedCursor = errors.New("malformed cursor")

	// ErrInvalidFilter indicates a contradictory or unsupported records
	// filter, such as partitions without an asset key.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvariantViolation indicates a programming error, such as
	// reading the wrong variant out of a cursor. It is fatal to the
	// calling operation and should not be retried.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStorageClosed is returned by every operation after Close.
	ErrStorageClosed = errors.New("storage closed")

	// ErrBackend classifies transient persistence failures. Callers may
	// retry; the store itself never does.
	ErrBackend = errors.New("backend failure")
)

// MalformedCursorError reports a cursor token that failed to decode.
type MalformedCursorError struct {
	Token string
	Err   error
}

func (e *MalformedCursorError) Error() string {
	return fmt.Sprintf("malformed cursor %q: %v", e.Token, e.Err)
}

func (e *MalformedCursorError) Unwrap() error {
	return ErrMalformedCursor
}

// InvalidFilterError reports why a records filter was rejected.
type InvalidFilterError struct {
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter: %s", e.Reason)
}

func (e *InvalidFilterError) Unwrap() error {
	return ErrInvalidFilter
}

// InvariantError reports a broken internal invariant.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// BackendError wraps a persistence-layer failure. The driver error stays
// reachable through Unwrap; errors.Is(err, ErrBackend) reports the class.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}
