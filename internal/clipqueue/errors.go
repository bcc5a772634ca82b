package clipqueue

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNoConnection         = errors.New("no active connection")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrQueueClosed          = errors.New("queue closed")
	ErrJobNotFinished       = errors.New("job not finished")
)

// Stable job error codes surfaced through getStatus.
const (
	CodeRetryLater           = "RETRY_LATER"
	CodeMaxAttempts          = "MAX_ATTEMPTS"
	CodeNoConnection         = "NO_CONNECTION"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeAuthRevoked          = "AUTH_REVOKED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// APIError is the single error shape the write client surfaces. It is
// constructed once at the client boundary; everything downstream reads the
// fields instead of probing the upstream response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("notion write failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion write failed: code=%s message=%s", e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// classifyStatus maps an upstream HTTP status onto the retry taxonomy:
// 429 and 503 (and the rest of 5xx) are retryable, 401 is fatal for the
// credential, every other 4xx is permanent.
func classifyStatus(status int, code, message string, retryAfter time.Duration) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch {
	case status == http.StatusTooManyRequests:
		apiErr.Retryable = true
		if apiErr.Code == "" {
			apiErr.Code = "rate_limited"
		}
	case status == http.StatusUnauthorized:
		apiErr.Retryable = false
		apiErr.Code = CodeAuthRevoked
	case status >= 500:
		apiErr.Retryable = true
		if apiErr.Code == "" {
			apiErr.Code = "upstream_unavailable"
		}
	default:
		apiErr.Retryable = false
		if apiErr.Code == "" {
			apiErr.Code = "invalid_request"
		}
	}
	return apiErr
}

func networkError(err error) *APIError {
	return &APIError{
		Code:      "network",
		Message:   err.Error(),
		Retryable: true,
	}
}
