package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// ErrCodeInvalidRequest marks a contract violation (unknown holding scope,
	// malformed permit request). The executor treats it as fatal.
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeNullReference marks missing external configuration for a given id.
	ErrCodeNullReference = "NULL_REFERENCE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// ErrDeploymentExists is returned by forward operations of rollback states when
// the rollback was already triggered. Rollback states convert it into SKIPPED.
var ErrDeploymentExists = errors.New("deployment already exists")

// Error is the structured error type for all cdflow operations.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StateName string         `json:"state_name,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StateName != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.StateName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest is shorthand for a fatal INVALID_REQUEST error.
func InvalidRequest(format string, args ...any) *Error {
	return NewErrorf(ErrCodeInvalidRequest, format, args...)
}

// NullReference reports missing external configuration identified by id.
func NullReference(kind, id string) *Error {
	return NewErrorf(ErrCodeNullReference, "no %s found for id %q", kind, id).
		WithDetails(map[string]any{"kind": kind, "id": id})
}

// WithState attaches a state name to the error.
func (e *Error) WithState(name string) *Error {
	e.StateName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether a caller may retry the failed operation.
// Contract violations and missing configuration never are.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeInvalidRequest, ErrCodeNullReference, ErrCodeValidation,
		ErrCodeInvalidTransition, ErrCodeCycleDetected, ErrCodeNotFound, ErrCodeCircuitOpen:
		return false
	default:
		return true
	}
}

// HasCode reports whether err is (or wraps) an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsFatal reports whether err aborts a state execution without recovery.
func IsFatal(err error) bool {
	return HasCode(err, ErrCodeInvalidRequest) || HasCode(err, ErrCodeNullReference)
}
