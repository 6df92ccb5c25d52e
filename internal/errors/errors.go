package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines the category of error for proper handling.
//
// The taxonomy matters to callers:
//   - Transient failures (I/O hiccups, timeouts) are retryable.
//   - Structural failures (unresolved conflicts, checksum mismatches)
//     require an explicit decision by the caller.
//   - Fatal failures (rollback-after-failed-rollback, unverifiable
//     backups) are the only ones that should ever be surfaced to a
//     human as "data may be corrupted".
type ErrorType string

const (
	// Primary failure categories
	ErrorTypeTransient  ErrorType = "TRANSIENT"
	ErrorTypeStructural ErrorType = "STRUCTURAL"
	ErrorTypeFatal      ErrorType = "FATAL"

	// Supporting categories
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL"
)

// CoreError is the single error type used across the consistency core.
type CoreError struct {
	Type      ErrorType `json:"type"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Builder provides a fluent interface for constructing CoreError values.
type Builder struct {
	err *CoreError
}

// Transient creates a builder for a retryable failure.
func Transient(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeTransient, code, message, true)
}

// Structural creates a builder for a failure that needs an explicit
// decision by the caller (conflict, checksum mismatch).
func Structural(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeStructural, code, message, false)
}

// Fatal creates a builder for an unrecoverable failure. Only these may
// be reported to a human as possible data corruption.
func Fatal(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeFatal, code, message, false)
}

// Validation creates a builder for an invalid-input failure.
func Validation(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeValidation, code, message, false)
}

// NotFound creates a builder for a missing-resource failure.
func NotFound(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeNotFound, code, message, false)
}

// Conflict creates a builder for a conflicting-change failure.
func Conflict(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeConflict, code, message, false)
}

// Internal creates a builder for an unexpected internal failure.
func Internal(code ErrorCode, message string) *Builder {
	return newBuilder(ErrorTypeInternal, code, message, false)
}

func newBuilder(t ErrorType, code ErrorCode, message string, retryable bool) *Builder {
	return &Builder{
		err: &CoreError{
			Type:      t,
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// WithDetails adds additional context to the error.
func (b *Builder) WithDetails(details string) *Builder {
	b.err.Details = details
	return b
}

// WithOperation records the operation that failed.
func (b *Builder) WithOperation(operation string) *Builder {
	b.err.Operation = operation
	return b
}

// WithCause attaches the underlying cause.
func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Build finalizes the error.
func (b *Builder) Build() error {
	return b.err
}

// typeOf extracts the CoreError type from an error chain, or "" if the
// chain contains no CoreError.
func typeOf(err error) ErrorType {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Retryable || ce.Type == ErrorTypeTransient
	}
	return false
}

// IsStructural reports whether the error requires explicit handling.
func IsStructural(err error) bool {
	return typeOf(err) == ErrorTypeStructural
}

// IsFatal reports whether the error indicates possible data corruption.
func IsFatal(err error) bool {
	return typeOf(err) == ErrorTypeFatal
}

// IsNotFound reports whether the error is a missing-resource failure.
func IsNotFound(err error) bool {
	return typeOf(err) == ErrorTypeNotFound
}

// IsConflict reports whether the error is a conflicting-change failure.
func IsConflict(err error) bool {
	return typeOf(err) == ErrorTypeConflict
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
