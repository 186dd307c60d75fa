package errors

import (
	"errors"
	"fmt"
)

// QuarryError is the structured error type for quarry.
// It provides context for error handling, logging, and user presentation.
type QuarryError struct {
	// Code is the unique error code (e.g., "ERR_201_FILE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Index, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *QuarryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QuarryError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *QuarryError) Is(target error) bool {
	if t, ok := target.(*QuarryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *QuarryError) WithDetail(key, value string) *QuarryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new QuarryError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QuarryError {
	return &QuarryError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a QuarryError from an existing error.
// The error's message becomes the QuarryError message.
func Wrap(code string, err error) *QuarryError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// NotFound creates a lookup-failure error for the given path.
func NotFound(path string) *QuarryError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("not found: %s", path), nil).
		WithDetail("path", path)
}

// BadRequest creates a caller-input error.
func BadRequest(message string) *QuarryError {
	return New(ErrCodeBadRequest, message, nil)
}

// Rejected creates a validator-rejection error.
func Rejected(path, reason string) *QuarryError {
	return New(ErrCodeRejected, fmt.Sprintf("rejected %s: %s", path, reason), nil).
		WithDetail("path", path).
		WithDetail("reason", reason)
}

// IsNotFound reports whether err carries the file-not-found code.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeFileNotFound)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Retryable
	}
	return false
}

// HasCode reports whether err (or any error it wraps) carries the given code.
func HasCode(err error, code string) bool {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// GetCode extracts the error code from a QuarryError.
// Returns empty string if not a QuarryError.
func GetCode(err error) string {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}
