package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Task error codes
const (
	ErrInvalidTask            ErrorCode = "INVALID_TASK"
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrTaskNotFound           ErrorCode = "TASK_NOT_FOUND"
	ErrTaskCancelled          ErrorCode = "TASK_CANCELLED"
	ErrRetriesExhausted       ErrorCode = "RETRIES_EXHAUSTED"
)

// Routing and decision error codes
const (
	ErrNoAgentAvailable    ErrorCode = "NO_AGENT_AVAILABLE"
	ErrAgentNotFound       ErrorCode = "AGENT_NOT_FOUND"
	ErrDecisionUnavailable ErrorCode = "DECISION_UNAVAILABLE"
)

// Infrastructure error codes
const (
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrEvolutionFailed ErrorCode = "EVOLUTION_FAILED"
	ErrStoreError      ErrorCode = "STORE_ERROR"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTaskID tags the error with the task it belongs to.
func (e *Error) WithTaskID(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithAgentID tags the error with the agent it belongs to.
func (e *Error) WithAgentID(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// NewInvalidTaskError builds the error returned when a task fails validation.
func NewInvalidTaskError(reason string) *Error {
	return NewError(ErrInvalidTask, reason).WithHTTPStatus(400)
}

// NewNoAgentAvailableError builds the error returned when routing finds no
// agent whose capabilities intersect the task tags, even after relaxation.
func NewNoAgentAvailableError(taskID string) *Error {
	return NewError(ErrNoAgentAvailable, "no agent with intersecting capabilities").
		WithTaskID(taskID).
		WithHTTPStatus(503).
		WithRetryable(true)
}

// NewDecisionUnavailableError builds the error returned when every evaluation
// in a search episode timed out.
func NewDecisionUnavailableError(taskID string) *Error {
	return NewError(ErrDecisionUnavailable, "all workflow evaluations timed out").
		WithTaskID(taskID).
		WithHTTPStatus(503).
		WithRetryable(true)
}

// NewTimeoutError wraps a deadline expiry on an external collaborator call.
func NewTimeoutError(op string, cause error) *Error {
	return NewError(ErrTimeout, op+" timed out").
		WithCause(cause).
		WithHTTPStatus(504).
		WithRetryable(true)
}

// NewEvolutionFailedError wraps a failure inside a policy-evolution cycle.
// The failure is recoverable: the previous policy stays in effect.
func NewEvolutionFailedError(cause error) *Error {
	return NewError(ErrEvolutionFailed, "policy evolution cycle failed").
		WithCause(cause).
		WithHTTPStatus(500).
		WithRetryable(true)
}
