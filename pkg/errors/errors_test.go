package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewDerivesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeDurabilityFault, CategoryDurability, false},
		{ErrCodeTruncatedLog, CategoryRecovery, false},
		{ErrCodeOutOfOrderMutation, CategoryIndex, false},
		{ErrCodeBackendFault, CategoryBackend, true},
		{ErrCodeConnectionTimeout, CategoryBackend, true},
		{ErrCodeObjectNotFound, CategoryBackend, false},
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeSnapshotDecode, CategorySnapshot, false},
		{ErrCodeShuttingDown, CategoryState, false},
		{ErrCodeInternalError, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Category != tt.category {
				t.Errorf("category = %s, want %s", err.Category, tt.category)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(ErrCodeBackendFault, "put failed").
		WithComponent("coordinator").
		WithOperation("replicate")

	want := "[coordinator:replicate] BACKEND_FAULT: put failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := New(ErrCodeDurabilityFault, "append failed").WithCause(cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to match wrapped cause")
	}
	if !stderrors.Is(err, New(ErrCodeDurabilityFault, "other message")) {
		t.Error("expected errors.Is to match on code regardless of message")
	}
	if stderrors.Is(err, New(ErrCodeBackendFault, "append failed")) {
		t.Error("expected errors.Is not to match a different code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrCodeTruncatedLog, "x")); got != ErrCodeTruncatedLog {
		t.Errorf("CodeOf = %s, want TRUNCATED_LOG", got)
	}
	wrapped := fmt.Errorf("outer: %w", New(ErrCodePinNotFound, "missing"))
	if got := CodeOf(wrapped); got != ErrCodePinNotFound {
		t.Errorf("CodeOf(wrapped) = %s, want PIN_NOT_FOUND", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %s, want INTERNAL_ERROR", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(New(ErrCodePinNotFound, "no row")) {
		t.Error("PIN_NOT_FOUND should be not-found")
	}
	if !IsNotFound(New(ErrCodeObjectNotFound, "no object")) {
		t.Error("OBJECT_NOT_FOUND should be not-found")
	}
	if IsNotFound(New(ErrCodeBackendFault, "boom")) {
		t.Error("BACKEND_FAULT should not be not-found")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeInternalError, "flaky").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("expected override to make error retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are never retryable")
	}
}
