package answer

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	CodeGenerationUnavailable ErrorCode = "GENERATION_UNAVAILABLE"
	CodeGenerationUnmatched   ErrorCode = "GENERATION_UNMATCHED"
	CodeExecutionTimeout      ErrorCode = "EXECUTION_TIMEOUT"
	CodeExecutionFailed       ErrorCode = "EXECUTION_FAILED"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired        ErrorCode = "SESSION_EXPIRED"
)

// Error is the caller-facing refusal. Context carries safe detail such as the
// violated rule; it never echoes rejected SQL back verbatim.
type Error struct {
	Code       ErrorCode
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Context    map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func refusal(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
