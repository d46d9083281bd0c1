package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval-specific error codes.
const (
	ErrNoTemplateFound               = "NO_TEMPLATE_FOUND"
	ErrNotAuthorizedOrAlreadyDecided = "NOT_AUTHORIZED_OR_ALREADY_DECIDED"
	ErrRequestNotPending             = "REQUEST_NOT_PENDING"
	ErrInvariantViolation            = "INVARIANT_VIOLATION"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err, or any error it wraps, is an ErrorEnvelope
// with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewNoTemplateFoundError is returned when no active flow template matches a
// sensitivity classifier.
func NewNoTemplateFoundError(sensitivity string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoTemplateFound,
		Message: fmt.Sprintf("no active approval flow template matches sensitivity %q", sensitivity),
	}
}

// NewNotAuthorizedOrAlreadyDecidedError is returned when the actor is not the
// current step's approver or the step already carries a decision. The two
// causes share one message.
func NewNotAuthorizedOrAlreadyDecidedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotAuthorizedOrAlreadyDecided,
		Message: "Invalid approver or step already handled",
	}
}

// NewRequestNotPendingError is returned by administrative operations on a
// request that has already reached a terminal status.
func NewRequestNotPendingError(id string, status Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRequestNotPending,
		Message: fmt.Sprintf("approval request %q is %s, not %s", id, status, StatusPending),
	}
}

// NewInvariantViolationError signals a broken internal invariant such as a
// duplicate step number within one request.
func NewInvariantViolationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvariantViolation, Message: msg}
}
