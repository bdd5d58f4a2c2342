package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrInvalidState         = "INVALID_STATE"
	ErrMissingStartState    = "MISSING_START_STATE"
	ErrActionExecution      = "ACTION_EXECUTION_ERROR"
	ErrNoMatchingTransition = "NO_MATCHING_TRANSITION"
	ErrStore                = "STORE_ERROR"
)

// ErrorEnvelope is the standard error returned by engine operations and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying failure, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is an ErrorEnvelope carrying the given code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
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

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewMissingStartStateError returns a MISSING_START_STATE error for a workflow.
func NewMissingStartStateError(workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingStartState,
		Message: fmt.Sprintf("workflow %q has no start state", workflowID),
	}
}

// NewActionExecutionError wraps a dispatcher failure with the state it
// happened in.
func NewActionExecutionError(stateID, actionType string, cause error) *ErrorEnvelope {
	if actionType == "" {
		actionType = "noop"
	}
	return &ErrorEnvelope{
		Code:    ErrActionExecution,
		Message: fmt.Sprintf("state %q (%s) failed: %v", stateID, actionType, cause),
		cause:   cause,
	}
}

// NewNoMatchingTransitionError returns the dead-end error raised when no
// outgoing transition matches.
func NewNoMatchingTransitionError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoMatchingTransition, Message: "No valid transition found"}
}

// NewStoreError wraps a persistence failure for the named operation.
func NewStoreError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStore,
		Message: fmt.Sprintf("%s: %v", op, cause),
		cause:   cause,
	}
}
