package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/auction-finalizer/internal/types"
)

func TestCategorize_FindsWrappedError(t *testing.T) {
	inner := NewChainReadFailedError("7", context.DeadlineExceeded)
	wrapped := fmt.Errorf("scan: %w", inner)

	got := Categorize(wrapped)
	assert.Same(t, inner, got)
	assert.True(t, stderrors.Is(wrapped, context.DeadlineExceeded))
	assert.True(t, HasCode(wrapped, CodeChainReadFailed))
	assert.Equal(t, CodeChainReadFailed, CodeOf(wrapped))
}

func TestCategorize_PlainError(t *testing.T) {
	got := Categorize(stderrors.New("boom"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Nil(t, Categorize(nil))
}

func TestCategorize_ServiceError(t *testing.T) {
	got := Categorize(&types.ServiceError{Code: CodeNotFound, Message: "job missing"})
	assert.Equal(t, CategoryNotFound, got.Category)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"submission failed", NewSubmissionFailedError("1", stderrors.New("dial tcp")), true},
		{"confirmation timeout", NewConfirmationTimeoutError("0xabc", nil), true},
		{"reverted", NewTransactionRevertedError("0xabc", 10), true},
		{"terminal", NewTerminalFailureError("finalize:1:1", 3, nil), false},
		{"invalid parameter", NewInvalidParameterError("limit", "must be positive"), false},
		{"plain error", stderrors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(NewScanInProgressError(nil)))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(NewInvalidParameterError("id", "empty")))
	assert.True(t, IsUserError(NewNotFoundError("job", "x")))
	assert.False(t, IsUserError(NewIndexUnavailableError(nil)))
}
