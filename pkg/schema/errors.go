package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeAction            = "ACTION_ERROR"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeMaxIterations     = "MAX_ITERATIONS"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeLLM               = "LLM_ERROR"
)

// Error is the structured error type for all engine operations.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepSlug, e.Message)
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

// WithStep attaches a step slug to the error.
func (e *Error) WithStep(slug string) *Error {
	e.StepSlug = slug
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

// IsFatal reports whether the error must abort a run immediately,
// bypassing the workflow retry policy and any error edge.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeInvalidTransition, ErrCodeMaxIterations, ErrCodeCancelled:
		return true
	}
	return false
}

// IsRetryable reports whether the error is eligible for the workflow
// retry policy. Template and validation errors are never retried.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAction, ErrCodeStore:
		return true
	}
	return false
}
