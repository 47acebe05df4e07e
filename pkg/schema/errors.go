package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeGraphValidation     = "GRAPH_VALIDATION"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeStepExecution       = "STEP_EXECUTION"
	ErrCodeInvalidResumeTarget = "INVALID_RESUME_TARGET"
	ErrCodeRunNotSuspended     = "RUN_NOT_SUSPENDED"
	ErrCodeRunNotFound         = "RUN_NOT_FOUND"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
)

// EngineError is the structured error type for all stepflow operations.
// It is the only error shape that crosses the engine's public boundary.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Path    string         `json:"path,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches a node path to the error.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
