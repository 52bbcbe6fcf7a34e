package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a structured detail and returns the same error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrInvalidInput
	ErrConflict
	ErrTooManyRequests
)

// Workflow error codes
const (
	ErrInvalidTransition ErrorCode = iota + 2000
	ErrTerminalStateViolation
	ErrMissingContext
	ErrUnsafeTransition
	ErrIncompleteAuditEvent
	ErrStorageUnavailable
)

var codeNames = map[ErrorCode]string{
	ErrNotFound:               "not_found",
	ErrBadRequest:             "bad_request",
	ErrUnauthorized:           "unauthorized",
	ErrForbidden:              "forbidden",
	ErrInternal:               "internal",
	ErrInvalidInput:           "invalid_input",
	ErrConflict:               "conflict",
	ErrTooManyRequests:        "too_many_requests",
	ErrInvalidTransition:      "invalid_transition",
	ErrTerminalStateViolation: "terminal_state_violation",
	ErrMissingContext:         "missing_context",
	ErrUnsafeTransition:       "unsafe_transition",
	ErrIncompleteAuditEvent:   "incomplete_audit_event",
	ErrStorageUnavailable:     "storage_unavailable",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error_%d", int(c))
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HasCode reports whether err's chain contains an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// As is a shortcut for errors.As on *AppError.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// Retryable reports whether the caller may safely retry the operation.
// Only storage outages qualify; rule violations never succeed on retry.
func Retryable(err error) bool {
	return HasCode(err, ErrStorageUnavailable)
}

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}

func InvalidInput(message string, err error) *AppError {
	return &AppError{
		Code:    ErrInvalidInput,
		Message: message,
		Err:     err,
	}
}

func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

func TooManyRequests() *AppError {
	return &AppError{
		Code:    ErrTooManyRequests,
		Message: "rate limit exceeded",
	}
}

// InvalidTransition carries the current state and every legal destination so
// callers can self-correct.
func InvalidTransition(from, to string, allowed []string) *AppError {
	if allowed == nil {
		allowed = []string{}
	}
	return &AppError{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("transition from %s to %s is not allowed", from, to),
		Details: map[string]interface{}{
			"current_state":       from,
			"target_state":        to,
			"allowed_transitions": allowed,
		},
	}
}

func TerminalStateViolation(state string) *AppError {
	return &AppError{
		Code:    ErrTerminalStateViolation,
		Message: fmt.Sprintf("consultation is in terminal state %s", state),
		Details: map[string]interface{}{
			"current_state": state,
		},
	}
}

func MissingContext(target, field string) *AppError {
	return &AppError{
		Code:    ErrMissingContext,
		Message: fmt.Sprintf("transition to %s requires %s", target, field),
		Details: map[string]interface{}{
			"target_state":  target,
			"missing_field": field,
		},
	}
}

func UnsafeTransition(message string, details map[string]interface{}) *AppError {
	return &AppError{
		Code:    ErrUnsafeTransition,
		Message: message,
		Details: details,
	}
}

func IncompleteAuditEvent(fields []string) *AppError {
	return &AppError{
		Code:    ErrIncompleteAuditEvent,
		Message: "audit event is incomplete",
		Details: map[string]interface{}{
			"missing_fields": fields,
		},
	}
}

func StorageUnavailable(message string, err error) *AppError {
	if message == "" {
		message = "storage unavailable"
	}
	return &AppError{
		Code:    ErrStorageUnavailable,
		Message: message,
		Err:     err,
	}
}
