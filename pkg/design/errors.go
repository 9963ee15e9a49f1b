package design

import (
	"errors"
	"fmt"
)

// StoreError provides structured error information for store operations.
type StoreError struct {
	Op      string // Operation that failed (e.g., "put", "get")
	Backend string // Store backend (e.g., "file", "s3", "postgres")
	ID      string // Design ID (if applicable)
	Cause   error  // Underlying error
	Context string // Additional context
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	switch {
	case e.ID != "" && e.Context != "":
		return fmt.Sprintf("%s %s design %s (%s): %v", e.Backend, e.Op, e.ID, e.Context, e.Cause)
	case e.ID != "":
		return fmt.Sprintf("%s %s design %s: %v", e.Backend, e.Op, e.ID, e.Cause)
	case e.Context != "":
		return fmt.Sprintf("%s %s (%s): %v", e.Backend, e.Op, e.Context, e.Cause)
	default:
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error's cause.
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building StoreErrors.
type ErrorBuilder struct {
	err StoreError
}

// NewError creates a new error builder for the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: StoreError{Op: op}}
}

func (b *ErrorBuilder) Backend(name string) *ErrorBuilder {
	b.err.Backend = name
	return b
}

func (b *ErrorBuilder) Design(id string) *ErrorBuilder {
	b.err.ID = id
	return b
}

func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed StoreError.
func (b *ErrorBuilder) Build() *StoreError {
	return &b.err
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// NotFoundError creates a design not found error.
func NotFoundError(op, backend, id string) error {
	return NewError(op).Backend(backend).Design(id).Cause(ErrDesignNotFound).Err()
}

// IsNotFound reports whether err means the design does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDesignNotFound)
}
