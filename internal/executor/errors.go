package executor

import (
	"fmt"
	"time"
)

// Kind classifies why an execution did not succeed
type Kind string

const (
	KindToolNotFound      Kind = "tool_not_found"
	KindValidationFailed  Kind = "validation_failed"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindQuotaDenied       Kind = "quota_denied"
	KindCircuitOpen       Kind = "circuit_open"
	KindExecutionTimeout  Kind = "execution_timeout"
	KindExecutionFailed   Kind = "execution_failed"
)

// Error is the typed failure carried in ToolResult.Err. Two errors match
// under errors.Is when their kinds are equal.
type Error struct {
	Kind       Kind
	Tool       string
	Message    string
	ResetAt    time.Time // rate limit window reset
	RetryAt    time.Time // circuit breaker next attempt
	Violations []string
	Err        error
}

// Sentinels for errors.Is
var (
	ErrToolNotFound      = &Error{Kind: KindToolNotFound}
	ErrValidationFailed  = &Error{Kind: KindValidationFailed}
	ErrRateLimitExceeded = &Error{Kind: KindRateLimitExceeded}
	ErrQuotaDenied       = &Error{Kind: KindQuotaDenied}
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen}
	ErrExecutionTimeout  = &Error{Kind: KindExecutionTimeout}
	ErrExecutionFailed   = &Error{Kind: KindExecutionFailed}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, tool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...)}
}
