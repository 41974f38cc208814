package types

import "time"

// CircuitState is the state of a per-tool circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreakerState is the persisted breaker record of one tool. The zero
// value is a closed breaker with no failures.
type CircuitBreakerState struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	NextAttemptAt       time.Time    `json:"next_attempt_at,omitempty"`
}

// Normalized fills in the closed state for a zero record
func (s CircuitBreakerState) Normalized() CircuitBreakerState {
	if s.State == "" {
		s.State = CircuitClosed
	}
	return s
}
