package auth

import (
	"fmt"
	"time"
)

// ErrorCode classifies a trust-layer failure. Codes are stable strings so
// callers (and the transport layer translating them for humans) can branch
// without string matching on messages.
type ErrorCode string

const (
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeSessionInvalid     ErrorCode = "SESSION_INVALID"
	CodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	CodeTokenInvalid       ErrorCode = "TOKEN_INVALID"
	CodeTokenInactive      ErrorCode = "TOKEN_INACTIVE"
	CodeInsufficientScope  ErrorCode = "INSUFFICIENT_SCOPE"
	CodeRefreshFailed      ErrorCode = "REFRESH_FAILED"
	CodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
)

// Retryable reports whether the failure class is recoverable by retrying or
// re-authenticating. INSUFFICIENT_SCOPE and CONFIGURATION_ERROR need
// out-of-band action and are never retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeSessionExpired, CodeTokenExpired, CodeNetworkError,
		CodeDatabaseError, CodeRateLimited, CodeRefreshFailed:
		return true
	default:
		return false
	}
}

// SecurityError is the structured error carried inside result structs.
// RetryAfter, when non-zero, tells the caller how long to wait before the
// next attempt (backoff not yet elapsed, rate limit, etc).
type SecurityError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	cause      error
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *SecurityError) Unwrap() error {
	return e.cause
}

// NewError creates a SecurityError with the given code and message.
func NewError(code ErrorCode, message string) *SecurityError {
	return &SecurityError{Code: code, Message: message}
}

// WrapError creates a SecurityError wrapping an underlying cause.
func WrapError(code ErrorCode, message string, cause error) *SecurityError {
	return &SecurityError{Code: code, Message: message, cause: cause}
}

// RetryableError creates a SecurityError carrying a retry-after hint.
func RetryableError(code ErrorCode, message string, retryAfter time.Duration) *SecurityError {
	return &SecurityError{Code: code, Message: message, RetryAfter: retryAfter}
}
