// Package state holds the per-tool counters shared by executor instances:
// rate windows and circuit breaker records. Implementations must apply each
// call atomically so a networked store can replace the in-memory one.
package state

import (
	"context"
	"time"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

// WindowLimit bounds a fixed window. Zero MaxRequests or MaxCost disables
// that bound.
type WindowLimit struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	MaxCost     float64       `json:"max_cost" yaml:"max_cost"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Unlimited reports whether the limit bounds nothing
func (l WindowLimit) Unlimited() bool {
	return l.MaxRequests <= 0 && l.MaxCost <= 0
}

// WindowEntry is the usage recorded in the current window of one key
type WindowEntry struct {
	Count   int       `json:"count"`
	Cost    float64   `json:"cost"`
	ResetAt time.Time `json:"reset_at"`
}

// WindowTake asks to consume one request of Cost against Key
type WindowTake struct {
	Key   string
	Limit WindowLimit
	Cost  float64
}

// WindowDecision is the result of TakeWindows
type WindowDecision struct {
	Allowed bool
	// DeniedKey names the first key whose limit was hit
	DeniedKey string
	// Entries holds the window of every requested key, in request order,
	// after the take was applied (or left untouched when denied)
	Entries []WindowEntry
}

// Store persists executor state
type Store interface {
	// TakeWindows consumes one slot from every key or from none. A window
	// whose reset time has passed restarts with zero count and cost
	// before the limits are checked.
	TakeWindows(ctx context.Context, takes []WindowTake, now time.Time) (WindowDecision, error)

	// PeekWindow returns the live window of key without consuming it
	PeekWindow(ctx context.Context, key string, now time.Time) (WindowEntry, bool, error)

	// ResetWindow forgets the window of key
	ResetWindow(ctx context.Context, key string) error

	// UpdateBreaker applies fn to the breaker record of key atomically and
	// stores the result
	UpdateBreaker(ctx context.Context, key string, fn func(types.CircuitBreakerState) types.CircuitBreakerState) (types.CircuitBreakerState, error)

	// GetBreaker returns the breaker record of key
	GetBreaker(ctx context.Context, key string) (types.CircuitBreakerState, error)

	// Sweep drops windows that expired before now and returns how many
	Sweep(ctx context.Context, now time.Time) (int, error)
}
