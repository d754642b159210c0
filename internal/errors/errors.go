// Package errors consolidates error definitions for the tierstore project.
//
// It provides:
// - Sentinel errors for all error conditions
// - Error category checking functions aligned with the retry policy
// - Failure classification for dead-letter triage
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound      = errors.New("not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrPointNotFound = errors.New("point not found")
	ErrKeyNotFound   = errors.New("cache key not found")

	// Validation errors
	ErrInvalidKey       = errors.New("invalid cache key")
	ErrInvalidRange     = errors.New("invalid time range")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")
	ErrEmptyInput       = errors.New("empty input")
	ErrMalformedMessage = errors.New("malformed message")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrServiceStopped    = errors.New("service is stopped")
	ErrWriterClosed      = errors.New("writer is closed")

	// Transient errors - retried with backoff
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrOverloaded       = errors.New("system overloaded")

	// User errors - surfaced immediately, never retried
	ErrInvalidQuery = errors.New("invalid query parameters")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrStorage  = errors.New("storage error")
	ErrCodec    = errors.New("codec error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrPointNotFound) ||
		errors.Is(err, ErrKeyNotFound)
}

// IsValidation returns true if err is a validation error.
// Validation failures fail fast and are never persisted as partial state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrMalformedMessage)
}

// IsUserError returns true if err stems from caller input.
// User errors are surfaced immediately and never retried.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidQuery) || IsValidation(err)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrServiceStopped) ||
		errors.Is(err, ErrWriterClosed)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrOverloaded)
}

// ============================================================================
// Failure classification for dead-letter triage
// ============================================================================

// Classification buckets a terminal failure for operational triage.
type Classification string

const (
	// ClassRecoverable marks failures that would likely succeed on a later
	// run (timeouts, connection drops).
	ClassRecoverable Classification = "RECOVERABLE"

	// ClassUserError marks failures caused by invalid input.
	ClassUserError Classification = "USER_ERROR"

	// ClassSystemError marks everything else.
	ClassSystemError Classification = "SYSTEM_ERROR"
)

// Classify maps an error to its dead-letter classification.
// Works on wrapped sentinels first, then falls back to message content so
// errors crossing a serialization boundary still classify correctly.
func Classify(err error) Classification {
	if err == nil {
		return ClassSystemError
	}

	switch {
	case IsRetriable(err):
		return ClassRecoverable
	case IsUserError(err):
		return ClassUserError
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a failure by its message content alone.
// Used when the original error value is gone (e.g. a dead-letter message
// carrying only the error string).
func ClassifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection"):
		return ClassRecoverable
	case strings.Contains(lower, "invalid") ||
		strings.Contains(lower, "validation") ||
		strings.Contains(lower, "missing required"):
		return ClassUserError
	default:
		return ClassSystemError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
