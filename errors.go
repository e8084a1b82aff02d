package prioritask

// ES2022-compatible error types with cause-chain support: the four error
// kinds the scheduler ever raises or rejects with are type violations,
// disallowed operations, cancellation, and callback failure.

import (
	"errors"
	"fmt"
)

// TypeError represents a type violation: a caller passed a negative delay, a
// nil task to a queue, or resolved a promise with itself. An unknown
// priority tag is reported as a [RangeError] instead.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// RangeError represents a value outside its permitted set. The scheduler
// raises this when a priority tag is not one of the three known values.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// DisallowedOperationError is raised synchronously when an operation is
// attempted from a context where it is forbidden. The scheduler's only use
// is a reentrant SetPriority call made from within its own prioritychange
// listener.
type DisallowedOperationError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *DisallowedOperationError) Error() string {
	if e.Message == "" {
		return "disallowed operation"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *DisallowedOperationError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a task callback that panicked
// during dispatch, so the recovered value survives as the rejection reason
// of the callback's associated promise instead of crashing the loop
// goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during task callback: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type), returns
// nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError collects multiple rejection reasons into a single error.
// It mirrors Promise.any()'s rejection value when every input promise
// rejects.
type AggregateError struct {
	Errors []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	return fmt.Sprintf("all %d promises were rejected", len(e.Errors))
}

// AggregateErrorCause returns the first error in the Errors slice, if any.
func (e *AggregateError) AggregateErrorCause() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap returns the errors slice for multi-error unwrapping.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is implements custom error matching for AggregateError. Returns true if
// target is itself an AggregateError, regardless of contents.
func (e *AggregateError) Is(target error) bool {
	var aggTarget *AggregateError
	return errors.As(target, &aggTarget)
}

// WrapError wraps an error with a message, preserving the cause chain so
// that errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
