package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotInitialized indicates the store has no usable durable connection.
	// A failed Initialize blocks cache operations until a later Initialize
	// succeeds.
	ErrNotInitialized = errors.New("cache store is not initialized")

	// ErrEntryTooLarge indicates a payload exceeds the configured entry size
	// limit.
	ErrEntryTooLarge = errors.New("cache entry exceeds size limit")
)

// Error is a typed cache error carrying the operation, the offending entry
// id (when applicable), and the wrapped cause.
type Error struct {
	Op  string
	ID  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, id string, err error) *Error {
	return &Error{Op: op, ID: id, Err: err}
}
