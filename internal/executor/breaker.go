package executor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/state"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

// CircuitBreaker tracks consecutive failures per tool.
//
//	closed --threshold failures--> open --cooldown--> half-open
//	half-open --success--> closed
//	half-open --failure--> open (fresh cooldown)
type CircuitBreaker struct {
	store     state.Store
	threshold int
	cooldown  time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

// NewCircuitBreaker creates a breaker persisting its records in store
func NewCircuitBreaker(store state.Store, threshold int, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether tool may be invoked, moving an open breaker whose
// cooldown has elapsed to half-open.
func (b *CircuitBreaker) Allow(ctx context.Context, tool string) (types.CircuitBreakerState, bool, error) {
	now := b.now()
	var transitioned bool

	s, err := b.store.UpdateBreaker(ctx, breakerKey(tool), func(s types.CircuitBreakerState) types.CircuitBreakerState {
		transitioned = false
		if s.State == types.CircuitOpen && !now.Before(s.NextAttemptAt) {
			s.State = types.CircuitHalfOpen
			transitioned = true
		}
		return s
	})
	if err != nil {
		return s, false, err
	}

	if transitioned {
		b.logger.WithField("tool", tool).Info("Circuit half-open, probing")
	}
	return s, s.State != types.CircuitOpen, nil
}

// Record applies an invocation outcome
func (b *CircuitBreaker) Record(ctx context.Context, tool string, success bool) (types.CircuitBreakerState, error) {
	now := b.now()
	var before types.CircuitState

	s, err := b.store.UpdateBreaker(ctx, breakerKey(tool), func(s types.CircuitBreakerState) types.CircuitBreakerState {
		before = s.State
		if success {
			// a late success cannot close an open breaker
			if s.State != types.CircuitOpen {
				return types.CircuitBreakerState{State: types.CircuitClosed}
			}
			return s
		}

		s.ConsecutiveFailures++
		switch s.State {
		case types.CircuitHalfOpen:
			s = b.open(s, now)
		case types.CircuitClosed:
			if s.ConsecutiveFailures >= b.threshold {
				s = b.open(s, now)
			}
		}
		return s
	})
	if err != nil {
		return s, err
	}

	if before != s.State {
		entry := b.logger.WithFields(logrus.Fields{
			"tool":                 tool,
			"from":                 before,
			"to":                   s.State,
			"consecutive_failures": s.ConsecutiveFailures,
		})
		if s.State == types.CircuitOpen {
			entry.WithField("next_attempt_at", s.NextAttemptAt).Warn("Circuit opened")
		} else {
			entry.Info("Circuit closed")
		}
	}
	return s, nil
}

// State returns the breaker record of tool
func (b *CircuitBreaker) State(ctx context.Context, tool string) (types.CircuitBreakerState, error) {
	return b.store.GetBreaker(ctx, breakerKey(tool))
}

// Reset force-closes the breaker of tool
func (b *CircuitBreaker) Reset(ctx context.Context, tool string) error {
	_, err := b.store.UpdateBreaker(ctx, breakerKey(tool), func(types.CircuitBreakerState) types.CircuitBreakerState {
		return types.CircuitBreakerState{State: types.CircuitClosed}
	})
	if err == nil {
		b.logger.WithField("tool", tool).Info("Circuit reset")
	}
	return err
}

func (b *CircuitBreaker) open(s types.CircuitBreakerState, now time.Time) types.CircuitBreakerState {
	s.State = types.CircuitOpen
	s.OpenedAt = now
	s.NextAttemptAt = now.Add(b.cooldown)
	return s
}

func breakerKey(tool string) string {
	return "breaker:" + tool
}
