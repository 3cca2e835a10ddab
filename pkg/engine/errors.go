package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and scheduling decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid or unsatisfiable plan.
	// Never retried and never produces install records.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassRetryable indicates a transient external failure.
	// Examples: service not ready, connection refused, daemon busy.
	ErrorClassRetryable ErrorClass = "retryable"

	// ErrorClassFatal indicates an unrecoverable failure.
	// Examples: permission denied, missing prerequisite, package not found.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassRetryExhausted indicates a retryable failure that ran out of budget.
	// The scheduler treats it as fatal.
	ErrorClassRetryExhausted ErrorClass = "retry_exhausted"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the plan step that produced the error, if applicable.
	Step string `json:"step,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Step != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (step=%s, operation=%s)", msg, e.Step, e.Operation)
	case e.Step != "":
		msg = fmt.Sprintf("%s (step=%s)", msg, e.Step)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRetryable,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewRetryExhaustedError creates an error for a retry budget that ran out.
func NewRetryExhaustedError(attempts uint, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRetryExhausted,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Code:    ErrCodeRetryExhausted,
		Err:     err,
		Details: map[string]interface{}{"attempts": attempts},
	}
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.Step = stepID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost engine error in the chain.
// The second result is false when err carries no classification.
func ClassOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsRetryable returns true if the error is classified as retryable.
func IsRetryable(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassRetryable
}

// IsFatal returns true if the error stops scheduling.
// Fatal, exhausted and configuration errors all qualify.
func IsFatal(err error) bool {
	c, ok := ClassOf(err)
	return ok && (c == ErrorClassFatal || c == ErrorClassRetryExhausted || c == ErrorClassConfiguration)
}

// IsRetryExhausted returns true if the error is a spent retry budget.
func IsRetryExhausted(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassRetryExhausted
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeNotReady         = "NOT_READY"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodePackageFailed    = "PACKAGE_FAILED"
	ErrCodeBootstrapFailed  = "BOOTSTRAP_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeStateStore       = "STATE_STORE_ERROR"
	ErrCodeCyclicGraph      = "CYCLIC_GRAPH"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)
