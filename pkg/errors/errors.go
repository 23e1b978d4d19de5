// Package errors provides the structured error system for the pinning core,
// with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for core operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Durability errors - the write-ahead log could not persist an intent.
	// Never absorbed: the original caller must see these.
	ErrCodeDurabilityFault ErrorCode = "DURABILITY_FAULT"
	ErrCodeWALClosed       ErrorCode = "WAL_CLOSED"
	ErrCodeWALRotate       ErrorCode = "WAL_ROTATE"

	// Recovery errors
	ErrCodeTruncatedLog     ErrorCode = "TRUNCATED_LOG"
	ErrCodeChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"

	// Index errors
	ErrCodeOutOfOrderMutation ErrorCode = "OUT_OF_ORDER_MUTATION"
	ErrCodePinNotFound        ErrorCode = "PIN_NOT_FOUND"
	ErrCodeIndexCorrupt       ErrorCode = "INDEX_CORRUPT"

	// Backend errors - scoped to one backend and one pin, retryable by the
	// coordinator, never propagated to the caller who requested the pin.
	ErrCodeBackendFault      ErrorCode = "BACKEND_FAULT"
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBackendUnknown    ErrorCode = "BACKEND_UNKNOWN"
	ErrCodeBackendExhausted  ErrorCode = "BACKEND_EXHAUSTED"
	ErrCodeBreakerOpen       ErrorCode = "BREAKER_OPEN"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Snapshot errors
	ErrCodeSnapshotDecode ErrorCode = "SNAPSHOT_DECODE"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeShuttingDown   ErrorCode = "SHUTTING_DOWN"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryDurability    ErrorCategory = "durability"
	CategoryRecovery      ErrorCategory = "recovery"
	CategoryIndex         ErrorCategory = "index"
	CategoryBackend       ErrorCategory = "backend"
	CategoryConfiguration ErrorCategory = "configuration"
	CategorySnapshot      ErrorCategory = "snapshot"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and handling hints.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks faults the coordinator may absorb and re-queue.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors.Is works across wrapped instances.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates a structured error with category and retryability derived
// from the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeDurabilityFault, ErrCodeWALClosed, ErrCodeWALRotate:
		return CategoryDurability
	case ErrCodeTruncatedLog, ErrCodeChecksumMismatch:
		return CategoryRecovery
	case ErrCodeOutOfOrderMutation, ErrCodePinNotFound, ErrCodeIndexCorrupt:
		return CategoryIndex
	case ErrCodeBackendFault, ErrCodeObjectNotFound, ErrCodeBackendUnknown,
		ErrCodeBackendExhausted, ErrCodeBreakerOpen,
		ErrCodeConnectionFailed, ErrCodeConnectionTimeout:
		return CategoryBackend
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeSnapshotDecode:
		return CategorySnapshot
	case ErrCodeAlreadyStarted, ErrCodeNotStarted, ErrCodeShuttingDown:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBackendFault, ErrCodeConnectionFailed, ErrCodeConnectionTimeout,
		ErrCodeBreakerOpen, ErrCodeBackendExhausted:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability of the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the structured code from any error, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given structured code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found outcome (pin or object).
// Not-found is a valid query result, not a failure.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodePinNotFound) || IsCode(err, ErrCodeObjectNotFound)
}

// IsRetryable reports whether err may be retried or re-queued.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}
