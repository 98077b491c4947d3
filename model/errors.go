package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Domain-specific error codes.
const (
	ErrWorkNotActive    = "WORK_NOT_ACTIVE"
	ErrStepProtected    = "STEP_PROTECTED"
	ErrTemplateInUse    = "TEMPLATE_IN_USE"
	ErrTemplateInactive = "TEMPLATE_INACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
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
func NewValidationError(details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error. Used when an
// operation is invoked on a step or work record in the wrong state.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewWorkNotActiveError returns a WORK_NOT_ACTIVE error.
func NewWorkNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkNotActive, Message: msg}
}

// NewStepProtectedError returns a STEP_PROTECTED error. Raised when deleting
// a step template that live step instances still reference.
func NewStepProtectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepProtected, Message: msg}
}

// NewTemplateInUseError returns a TEMPLATE_IN_USE error.
func NewTemplateInUseError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTemplateInUse, Message: msg}
}

// NewTemplateInactiveError returns a TEMPLATE_INACTIVE error.
func NewTemplateInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTemplateInactive, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
