package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation      ErrorCategory = "validation"       // Invalid input
	ErrCatExecution       ErrorCategory = "execution"        // Runtime failure
	ErrCatTimeout         ErrorCategory = "timeout"          // Operation timed out
	ErrCatRateLimit       ErrorCategory = "rate_limit"       // Provider rate limited
	ErrCatNetwork         ErrorCategory = "network"          // Network connectivity
	ErrCatProvider        ErrorCategory = "provider"         // Transient 5xx from a collaborator
	ErrCatParse           ErrorCategory = "parse"            // Structured output did not match schema
	ErrCatRetrieval       ErrorCategory = "retrieval"        // Malformed retrieval result
	ErrCatContextOverflow ErrorCategory = "context_overflow" // Accumulated context too large
	ErrCatState           ErrorCategory = "state"            // Checkpoint corruption/conflict
	ErrCatNotFound        ErrorCategory = "not_found"        // Resource not found
	ErrCatConflict        ErrorCategory = "conflict"         // Concurrent modification
	ErrCatFatal           ErrorCategory = "fatal"            // Node failed after retries
	ErrCatInternal        ErrorCategory = "internal"         // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrNetwork creates a network connectivity error.
func ErrNetwork(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      "NETWORK",
		Message:   message,
		Retryable: true,
	}
}

// ErrProvider creates a transient provider error (5xx, overloaded).
func ErrProvider(status int, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProvider,
		Code:      CodeProviderUnavailable,
		Message:   message,
		Retryable: true,
		Details: map[string]interface{}{
			"status": status,
		},
	}
}

// ErrFromStatus maps an HTTP status returned by a collaborator onto the
// taxonomy: 429 is a rate limit, 408/504 a timeout, other 5xx a transient
// provider failure, and remaining 4xx a non-retryable rejection.
func ErrFromStatus(status int, message string) *DomainError {
	switch {
	case status == 429:
		return ErrRateLimit(message)
	case status == 408 || status == 504:
		return ErrTimeout(message)
	case status >= 500:
		return ErrProvider(status, message)
	case status == 401 || status == 403:
		return ErrValidation(CodeInvalidConfig, message).WithDetail("status", status)
	default:
		return ErrValidation(CodeInvalidRequest, message).WithDetail("status", status)
	}
}

// ErrParse creates a structured-output parse error.
func ErrParse(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatParse,
		Code:      CodeParseFailed,
		Message:   message,
		Retryable: false,
	}
}

// ErrMalformedRetrieval creates an error for an unexpected retrieval payload shape.
func ErrMalformedRetrieval(source, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRetrieval,
		Code:      CodeMalformedRetrieval,
		Message:   message,
		Retryable: false,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error. Missing threads get their own code.
func ErrNotFound(resource, id string) *DomainError {
	code := "NOT_FOUND"
	if resource == "thread" {
		code = CodeThreadNotFound
	}
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      code,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// WorkflowFatalError reports a node that failed after exhausting its retries.
// The run's checkpoint stays at its last committed state.
type WorkflowFatalError struct {
	Node  string
	Cause error
}

// MaxFatalMessageLength bounds the cause text carried by a WorkflowFatalError.
const MaxFatalMessageLength = 500

func (e *WorkflowFatalError) Error() string {
	msg := "unknown error"
	if e.Cause != nil {
		msg = TruncateMessage(e.Cause.Error(), MaxFatalMessageLength)
	}
	return fmt.Sprintf("node %s failed: %s", e.Node, msg)
}

func (e *WorkflowFatalError) Unwrap() error {
	return e.Cause
}

// ErrWorkflowFatal wraps a node failure.
func ErrWorkflowFatal(node string, cause error) *WorkflowFatalError {
	return &WorkflowFatalError{Node: node, Cause: cause}
}

// TruncateMessage shortens s to at most n bytes, appending an ellipsis when cut.
func TruncateMessage(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// IsTransient reports whether err belongs to a category that is worth retrying
// regardless of how an intermediate layer flagged it.
func IsTransient(err error) bool {
	switch GetCategory(err) {
	case ErrCatTimeout, ErrCatRateLimit, ErrCatNetwork, ErrCatProvider:
		return true
	default:
		return false
	}
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var fatal *WorkflowFatalError
	if errors.As(err, &fatal) {
		return ErrCatFatal
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeThreadNotFound      = "THREAD_NOT_FOUND"
	CodeThreadExists        = "THREAD_EXISTS"
	CodeInvalidState        = "INVALID_STATE"
	CodeStateCorrupted      = "STATE_CORRUPTED"
	CodeNotInterrupted      = "NOT_INTERRUPTED"
	CodeUnknownNode         = "UNKNOWN_NODE"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeCircuitOpen         = "CIRCUIT_OPEN"

	// Validation error codes
	CodeEmptyTopic         = "EMPTY_TOPIC"
	CodeInvalidMaxAnalysts = "INVALID_MAX_ANALYSTS"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeEmptyConversation  = "EMPTY_CONVERSATION"

	// Execution error codes
	CodeParseFailed        = "PARSE_FAILED"
	CodeMalformedRetrieval = "MALFORMED_RETRIEVAL"
	CodeGraphInvalid       = "GRAPH_INVALID"
	CodeGenerationFailed   = "GENERATION_FAILED"
)
