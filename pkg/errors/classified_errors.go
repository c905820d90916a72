// Package errors defines the classified error taxonomy used across the
// collaboration engine. Every error surfaced to the connection gateway is a
// ClassifiedError so the wire layer can emit a stable machine-readable code
// and decide whether the connection survives.
package errors

import (
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassValidation indicates a request-level validation failure; the
	// connection stays open
	ClassValidation
	// ClassPermission indicates a missing role or permission; the connection
	// stays open
	ClassPermission
	// ClassRateLimited indicates a per-user or per-connection threshold was
	// exceeded
	ClassRateLimited
	// ClassConflict indicates a concurrent-edit conflict; resolved by the
	// conflict engine, never fatal
	ClassConflict
	// ClassTransient indicates a temporary failure that may be retried
	ClassTransient
	// ClassTransport indicates a broker publish/subscribe failure
	ClassTransport
	// ClassTimeout indicates a timeout error
	ClassTimeout
	// ClassFatal indicates authentication failure or unrecoverable session
	// corruption; the connection is closed
	ClassFatal
)

// Stable wire codes surfaced in error messages to clients.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConflictDetected   = "CONFLICT_DETECTED"
	CodeTransportFailure   = "TRANSPORT_FAILURE"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeSessionCorrupted   = "SESSION_CORRUPTED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeProtectedField     = "PROTECTED_FIELD"
	CodeFieldLimitExceeded = "FIELD_LIMIT_EXCEEDED"
)

// RetryStrategy defines how to retry an operation
type RetryStrategy struct {
	// ShouldRetry indicates if the error is retryable
	ShouldRetry bool `json:"should_retry"`
	// MaxAttempts is the maximum number of retry attempts
	MaxAttempts int `json:"max_attempts"`
	// BaseDelay is the initial delay between retries
	BaseDelay time.Duration `json:"base_delay"`
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `json:"max_delay"`
	// BackoffMultiplier for exponential backoff
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	// RetryAfter specific time to retry (for rate limiting)
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// ClassifiedError is an error with classification and retry information
type ClassifiedError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Class   ErrorClass  `json:"class"`
	Details interface{} `json:"details,omitempty"`

	// Context information
	Component string            `json:"component,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Retry information
	Retry *RetryStrategy `json:"retry,omitempty"`

	// Original error for unwrapping
	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error should be retried
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// IsFatal reports whether the error must close the originating connection
func (e *ClassifiedError) IsFatal() bool {
	return e.Class == ClassFatal
}

// GetRetryDelay calculates the retry delay for a given attempt
func (e *ClassifiedError) GetRetryDelay(attempt int) time.Duration {
	if e.Retry == nil || !e.Retry.ShouldRetry {
		return 0
	}

	if e.Retry.RetryAfter != nil {
		return time.Until(*e.Retry.RetryAfter)
	}

	delay := e.Retry.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * e.Retry.BackoffMultiplier)
		if delay > e.Retry.MaxDelay {
			delay = e.Retry.MaxDelay
			break
		}
	}

	return delay
}

// New creates a new classified error
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
		Retry:     getDefaultRetryStrategy(class),
	}
}

// Wrap wraps an existing error with classification
func Wrap(err error, code string, class ErrorClass) *ClassifiedError {
	if err == nil {
		return nil
	}

	if ce, ok := err.(*ClassifiedError); ok {
		return &ClassifiedError{
			Code:      code,
			Message:   ce.Message,
			Class:     class,
			Details:   ce.Details,
			Component: ce.Component,
			Operation: ce.Operation,
			Timestamp: time.Now(),
			Metadata:  ce.Metadata,
			Retry:     getDefaultRetryStrategy(class),
			cause:     err,
		}
	}

	return &ClassifiedError{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now(),
		Retry:     getDefaultRetryStrategy(class),
		cause:     err,
	}
}

// NewValidation creates a validation error with a specific reason
func NewValidation(code, message string) *ClassifiedError {
	return New(code, message, ClassValidation)
}

// NewPermission creates a permission error
func NewPermission(message string) *ClassifiedError {
	return New(CodePermissionDenied, message, ClassPermission)
}

// NewRateLimit creates a rate-limit error with a retry-after hint
func NewRateLimit(message string, retryAfter time.Duration) *ClassifiedError {
	at := time.Now().Add(retryAfter)
	e := New(CodeRateLimited, message, ClassRateLimited)
	e.Retry.RetryAfter = &at
	return e
}

// NewTransport creates a transport error for broker failures
func NewTransport(message string, cause error) *ClassifiedError {
	e := New(CodeTransportFailure, message, ClassTransport)
	e.cause = cause
	return e
}

// NewFatal creates a fatal error that closes the connection
func NewFatal(code, message string) *ClassifiedError {
	return New(code, message, ClassFatal)
}

// WithOperation adds component/operation context to the error
func (e *ClassifiedError) WithOperation(component, operation string) *ClassifiedError {
	e.Component = component
	e.Operation = operation
	return e
}

// WithDetails adds additional details to the error
func (e *ClassifiedError) WithDetails(details interface{}) *ClassifiedError {
	e.Details = details
	return e
}

// WithMetadata adds metadata to the error
func (e *ClassifiedError) WithMetadata(key, value string) *ClassifiedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// getDefaultRetryStrategy returns default retry strategy based on error class
func getDefaultRetryStrategy(class ErrorClass) *RetryStrategy {
	switch class {
	case ClassTransient, ClassTransport:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       3,
			BaseDelay:         1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ClassTimeout:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       2,
			BaseDelay:         2 * time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 1.5,
		}
	case ClassRateLimited:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       5,
			BaseDelay:         5 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 1.0, // Linear backoff for rate limiting
		}
	default:
		// Non-retryable by default
		return &RetryStrategy{
			ShouldRetry: false,
		}
	}
}

// Classify extracts the class of any error, defaulting to unknown
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce.Class
	}
	return ClassUnknown
}
