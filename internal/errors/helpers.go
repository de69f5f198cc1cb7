package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(reason string, retryAfter time.Duration) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded: "+reason).
		WithContext("reason", reason).
		WithContext("retry_after_ms", retryAfter.Milliseconds()).
		WithUserMessage("Too many messages, please try again later")
}

// NewSessionUnavailableError marks a missing or disconnected session. It is
// retryable so the queue gets a chance to run the job once the session is back.
func NewSessionUnavailableError(sessionID string) *AppError {
	err := New(ErrCodeSessionUnavailable, fmt.Sprintf("session %s not found or disconnected", sessionID)).
		WithContext("session_id", sessionID).
		WithUserMessage("Session is not connected")
	err.Retryable = true
	return err
}

// NewAlreadyActiveError reports that a live handle already exists
func NewAlreadyActiveError(sessionID string) *AppError {
	return New(ErrCodeAlreadyActive, "session already has a live connection").
		WithContext("session_id", sessionID)
}

// NewAdapterInitError wraps a connection setup failure
func NewAdapterInitError(sessionID string, err error) *AppError {
	return Wrap(err, ErrCodeAdapterInit, "failed to initialize connection").
		WithContext("session_id", sessionID).
		WithUserMessage("Failed to start WhatsApp connection")
}

// NewMaxRetriesError reports an exhausted reconnect budget
func NewMaxRetriesError(sessionID string, max int) *AppError {
	return New(ErrCodeMaxRetries, fmt.Sprintf("max reconnect attempts (%d) exceeded", max)).
		WithContext("session_id", sessionID).
		WithContext("max_attempts", max).
		WithUserMessage("Reconnect attempts exhausted")
}

// NewQueueUnavailableError wraps a broker failure on the send path
func NewQueueUnavailableError(queue string, err error) *AppError {
	return Wrap(err, ErrCodeQueueUnavailable, "queue infrastructure unavailable").
		WithContext("queue", queue).
		WithUserMessage("Message queue is unavailable, message was not sent")
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	code := GetCode(err)

	switch code {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeAlreadyActive:
		return http.StatusOK
	case ErrCodeSessionUnavailable, ErrCodeMaxRetries:
		return http.StatusConflict
	case ErrCodeAdapterInit, ErrCodeSendFailed:
		return http.StatusBadGateway
	case ErrCodeQueueUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body written for failed requests
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if appErr.UserMessage == "" && appErr.Code != ErrCodeInternalError {
		response.Error.Message = appErr.Message
	}
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
