package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies engine errors into a closed set of categories.
// The kind drives retry decisions, user-facing messages, and remediation
// suggestions. New kinds must be added here, never invented inline.
type ErrorKind string

const (
	KindUnknown                ErrorKind = "UNKNOWN"
	KindExecutionFailed        ErrorKind = "EXECUTION_FAILED"
	KindValidationFailed       ErrorKind = "VALIDATION_FAILED"
	KindInvalidInput           ErrorKind = "INVALID_INPUT"
	KindInvalidOutput          ErrorKind = "INVALID_OUTPUT"
	KindSchemaMismatch         ErrorKind = "SCHEMA_MISMATCH"
	KindProviderError          ErrorKind = "PROVIDER_ERROR"
	KindProviderUnavailable    ErrorKind = "PROVIDER_UNAVAILABLE"
	KindProviderRateLimit      ErrorKind = "PROVIDER_RATE_LIMIT"
	KindProviderAuthFailed     ErrorKind = "PROVIDER_AUTH_FAILED"
	KindProviderInvalidRequest ErrorKind = "PROVIDER_INVALID_REQUEST"
	KindTimeout                ErrorKind = "TIMEOUT"
	KindExecutionTimeout       ErrorKind = "EXECUTION_TIMEOUT"
	KindNetworkError           ErrorKind = "NETWORK_ERROR"
	KindConnectionFailed       ErrorKind = "CONNECTION_FAILED"
	KindResourceNotFound       ErrorKind = "RESOURCE_NOT_FOUND"
	KindResourceExhausted      ErrorKind = "RESOURCE_EXHAUSTED"
	KindNodeNotFound           ErrorKind = "NODE_NOT_FOUND"
	KindExecutorNotFound       ErrorKind = "EXECUTOR_NOT_FOUND"
	KindExecutionCancelled     ErrorKind = "EXECUTION_CANCELLED"
	KindCircuitOpen            ErrorKind = "CIRCUIT_OPEN"
)

// Standard sentinel errors for comparison using errors.Is().
var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionTerminal  = errors.New("execution already terminal")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrEmitterClosed      = errors.New("event emitter closed")
)

// retryableKinds are transient by nature and safe to retry.
var retryableKinds = map[ErrorKind]bool{
	KindNetworkError:        true,
	KindConnectionFailed:    true,
	KindProviderRateLimit:   true,
	KindProviderUnavailable: true,
	KindTimeout:             true,
	KindExecutionTimeout:    true,
	KindResourceExhausted:   true,
}

// nonRetryableKinds must never be retried regardless of the Retryable flag.
var nonRetryableKinds = map[ErrorKind]bool{
	KindValidationFailed:       true,
	KindProviderAuthFailed:     true,
	KindProviderInvalidRequest: true,
	KindCircuitOpen:            true,
	KindResourceNotFound:       true,
	KindExecutionCancelled:     true,
}

// ErrorContext carries structured execution coordinates for an error.
type ErrorContext struct {
	NodeID      string                 `json:"node_id,omitempty"`
	FlowID      string                 `json:"flow_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Provider    string                 `json:"provider,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// FieldIssue describes a single validation failure.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FlowError is the structured error type used throughout the engine.
// It implements the error interface and supports error wrapping.
type FlowError struct {
	Kind    ErrorKind    `json:"kind"`
	Message string       `json:"message"`
	Context ErrorContext `json:"context"`

	// Retryable marks errors retryable beyond what the kind implies.
	// Kinds in the never-retry set win over this flag.
	Retryable bool `json:"retryable,omitempty"`

	// Provider and StatusCode are set for provider errors.
	Provider   string `json:"provider,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// Issues is populated for validation errors.
	Issues []FieldIssue `json:"issues,omitempty"`

	// TimeoutMs is the configured timeout for timeout errors.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// BreakerName identifies the breaker for circuit-open errors.
	BreakerName string `json:"breaker_name,omitempty"`

	Err error `json:"-"`
}

// Error returns the string representation of the error.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the retry engine may re-execute the failed
// operation. The never-retry set always wins over the Retryable flag.
func (e *FlowError) IsRetryable() bool {
	if nonRetryableKinds[e.Kind] {
		return false
	}
	return retryableKinds[e.Kind] || e.Retryable
}

// WithNode attaches node coordinates and returns the error for chaining.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.Context.NodeID = nodeID
	return e
}

// WithExecution attaches execution coordinates and returns the error.
func (e *FlowError) WithExecution(executionID, flowID string) *FlowError {
	e.Context.ExecutionID = executionID
	e.Context.FlowID = flowID
	return e
}

// WithAttempt records retry bookkeeping on the error.
func (e *FlowError) WithAttempt(attempt, maxAttempts int) *FlowError {
	e.Context.Attempt = attempt
	e.Context.MaxAttempts = maxAttempts
	return e
}

// WithExtra attaches an arbitrary context value.
func (e *FlowError) WithExtra(key string, value interface{}) *FlowError {
	if e.Context.Extra == nil {
		e.Context.Extra = make(map[string]interface{})
	}
	e.Context.Extra[key] = value
	return e
}

// UserMessage returns a message safe to display to end users. Infrastructure
// details stay in Error() and the logs.
func (e *FlowError) UserMessage() string {
	switch e.Kind {
	case KindProviderRateLimit:
		return "The AI provider is rate limiting requests. Please try again shortly."
	case KindProviderAuthFailed:
		return "The AI provider rejected the configured credentials."
	case KindProviderUnavailable:
		return "The AI provider is temporarily unavailable."
	case KindProviderInvalidRequest:
		return "The AI provider rejected the request as invalid."
	case KindTimeout, KindExecutionTimeout:
		return "The operation timed out."
	case KindValidationFailed:
		return "The provided code or configuration failed validation."
	case KindInvalidInput:
		return "The input did not match what this step expects."
	case KindExecutionCancelled:
		return "The execution was cancelled."
	case KindCircuitOpen:
		return "This provider is failing repeatedly and calls are paused while it recovers."
	case KindResourceNotFound, KindNodeNotFound:
		return "A referenced resource could not be found."
	case KindResourceExhausted:
		return "A resource limit was exceeded."
	default:
		return "The execution failed. Check the execution log for details."
	}
}

// RemediationSuggestions returns actionable hints for the error kind.
func (e *FlowError) RemediationSuggestions() []string {
	switch e.Kind {
	case KindProviderAuthFailed:
		return []string{
			"Verify the provider API key in the connection configuration.",
			"Confirm the key has not expired or been revoked.",
		}
	case KindProviderRateLimit:
		return []string{
			"Reduce request concurrency or frequency.",
			"Upgrade the provider plan if limits are hit regularly.",
		}
	case KindTimeout, KindExecutionTimeout:
		return []string{
			"Increase the node timeout.",
			"Reduce the size of the input being processed.",
		}
	case KindValidationFailed:
		return []string{
			"Fix the syntax errors reported in the error details.",
		}
	case KindCircuitOpen:
		return []string{
			"Wait for the provider circuit to recover, then retry.",
			"Check the provider status page for an outage.",
		}
	case KindResourceExhausted:
		return []string{
			"Lower the memory footprint of the sandboxed code.",
			"Split the workload across parallel chunks.",
		}
	default:
		return nil
	}
}

// NewError creates a FlowError with the given kind and message.
func NewError(kind ErrorKind, message string) *FlowError {
	return &FlowError{Kind: kind, Message: message, Context: ErrorContext{Timestamp: time.Now().UTC()}}
}

// WrapError wraps err with a kind and message.
func WrapError(kind ErrorKind, message string, err error) *FlowError {
	fe := NewError(kind, message)
	fe.Err = err
	return fe
}

// NewProviderError builds a provider error classified by HTTP status code.
func NewProviderError(provider string, statusCode int, message string) *FlowError {
	fe := NewError(classifyStatus(statusCode), message)
	fe.Provider = provider
	fe.StatusCode = statusCode
	fe.Context.Provider = provider
	return fe
}

// NewValidationError builds a validation error with per-field issues.
func NewValidationError(message string, issues ...FieldIssue) *FlowError {
	fe := NewError(KindValidationFailed, message)
	fe.Issues = issues
	return fe
}

// NewTimeoutError builds a timeout error recording the configured limit.
func NewTimeoutError(message string, timeoutMs int64) *FlowError {
	fe := NewError(KindTimeout, message)
	fe.TimeoutMs = timeoutMs
	return fe
}

// NewCircuitOpenError builds the error returned when a breaker rejects a call.
func NewCircuitOpenError(breakerName string) *FlowError {
	fe := WrapError(KindCircuitOpen, fmt.Sprintf("circuit breaker %q is open", breakerName), ErrCircuitBreakerOpen)
	fe.BreakerName = breakerName
	return fe
}

// NewCancelledError builds the error used for cooperative cancellation.
func NewCancelledError(message string) *FlowError {
	if message == "" {
		message = "execution cancelled"
	}
	return WrapError(KindExecutionCancelled, message, context.Canceled)
}

// classifyStatus maps an HTTP-style status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindProviderAuthFailed
	case status == 429:
		return KindProviderRateLimit
	case status >= 400 && status < 500:
		return KindProviderInvalidRequest
	case status >= 500:
		return KindProviderUnavailable
	default:
		return KindProviderError
	}
}

var networkSubstrings = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"network is unreachable",
	"i/o timeout",
	"eof",
}

var timeoutSubstrings = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// Adapt classifies an arbitrary error into a FlowError. Existing FlowErrors
// pass through unchanged; context cancellation, network-looking messages and
// timeout-looking messages get their dedicated kinds; everything else is
// EXECUTION_FAILED.
func Adapt(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return NewCancelledError("")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindTimeout, "operation deadline exceeded", err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range timeoutSubstrings {
		if strings.Contains(msg, s) {
			return WrapError(KindTimeout, err.Error(), err)
		}
	}
	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return WrapError(KindNetworkError, err.Error(), err)
		}
	}
	return WrapError(KindExecutionFailed, err.Error(), err)
}

// IsRetryable checks if an arbitrary error may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return Adapt(err).IsRetryable()
}

// KindOf extracts the error kind from an arbitrary error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Adapt(err).Kind
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindExecutionCancelled
}
