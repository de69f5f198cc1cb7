package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeDatabaseConnection,
				Message: "failed to connect to database",
				Cause:   errors.New("connection refused"),
			},
			expected: "DATABASE_CONNECTION: failed to connect to database: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := NewSessionUnavailableError("s1")
	wrapped := fmt.Errorf("process job: %w", err)

	assert.True(t, errors.Is(wrapped, ErrSessionUnavailable))
	assert.False(t, errors.Is(wrapped, ErrQueueUnavailable))
	assert.True(t, errors.Is(NewAlreadyActiveError("s1"), ErrAlreadyActive))
	assert.True(t, errors.Is(NewMaxRetriesError("s1", 5), ErrMaxRetriesExceeded))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "to").WithContext("value", "abc")

	assert.Equal(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "to", err.Context["field"])
}

func TestWrapRetryable(t *testing.T) {
	cause := errors.New("temporary failure")
	err := WrapRetryable(cause, ErrCodeWebhookDelivery, "webhook delivery failed")

	assert.Equal(t, ErrCodeWebhookDelivery, err.Code)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(fmt.Errorf("outer: %w", err)))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(NewNotFoundError("session", "s1")))
	assert.Equal(t, ErrCodeQueueUnavailable, GetCode(fmt.Errorf("x: %w", NewQueueUnavailableError("messages", nil))))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestSessionUnavailableIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewSessionUnavailableError("s1")))
	assert.False(t, IsRetryable(NewAdapterInitError("s1", errors.New("boom"))))
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", NewValidationError("to", "", "required"), http.StatusBadRequest},
		{"not found", NewNotFoundError("session", "s1"), http.StatusNotFound},
		{"rate limit", NewRateLimitError("per minute cap", time.Minute), http.StatusTooManyRequests},
		{"session unavailable", NewSessionUnavailableError("s1"), http.StatusConflict},
		{"max retries", NewMaxRetriesError("s1", 5), http.StatusConflict},
		{"queue unavailable", NewQueueUnavailableError("messages", nil), http.StatusServiceUnavailable},
		{"adapter init", NewAdapterInitError("s1", errors.New("x")), http.StatusBadGateway},
		{"already active", NewAlreadyActiveError("s1"), http.StatusOK},
		{"database", NewDatabaseError("insert", errors.New("locked")), http.StatusServiceUnavailable},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(tt.err))
		})
	}
}

func TestToHTTPResponse(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad").
		WithContext("field", "url").
		WithContext("secret", "hidden")

	resp := ToHTTPResponse(err, "req-1")

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, ErrCodeInvalidInput, resp.Error.Code)
	assert.Equal(t, "bad", resp.Error.Message)
	ctx, ok := resp.Error.Context.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "url", ctx["field"])
	assert.NotContains(t, ctx, "secret")

	plain := ToHTTPResponse(errors.New("boom"), "")
	assert.Equal(t, ErrCodeInternalError, plain.Error.Code)
	assert.Equal(t, "An internal error occurred", plain.Error.Message)
}
