// Package core provides the Engram memory client: event intake,
// progressive search, citation lookup, and the stats surface, wired over
// the ledger, the similarity index, and the background engines.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested event or citation was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrValidation indicates malformed input, rejected before any write.
	ErrValidation = errors.New("invalid input")

	// ErrStorageUnavailable indicates that the ledger or the similarity
	// index is unreachable. Fatal for the current call, never swallowed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTimeout indicates that an embedding or index call exceeded its
	// budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrGenerationExhausted indicates that citation id generation ran out
	// of collision retries.
	ErrGenerationExhausted = errors.New("citation generation exhausted")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MemoryError wraps errors with operation context.
//
// It provides additional context about which operation failed, making
// error messages more informative for debugging.
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message in the form
// "engram: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("engram: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
// If err is nil, returns nil, which allows safe wrapping at return sites.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Err: err}
}
