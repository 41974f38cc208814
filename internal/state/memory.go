package state

import (
	"context"
	"sync"
	"time"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

// MemoryStore is a process-local Store guarded by a single mutex
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]WindowEntry
	breakers map[string]types.CircuitBreakerState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string]WindowEntry),
		breakers: make(map[string]types.CircuitBreakerState),
	}
}

// TakeWindows implements Store
func (s *MemoryStore) TakeWindows(ctx context.Context, takes []WindowTake, now time.Time) (WindowDecision, error) {
	if err := ctx.Err(); err != nil {
		return WindowDecision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]WindowEntry, len(takes))
	for i, take := range takes {
		entry, ok := s.windows[take.Key]
		if !ok || !now.Before(entry.ResetAt) {
			// count, cost and reset time roll over together
			entry = WindowEntry{ResetAt: now.Add(take.Limit.Window)}
		}
		entries[i] = entry
	}

	for i, take := range takes {
		if exceeds(entries[i], take) {
			// nothing is committed, not even a rollover
			return WindowDecision{Allowed: false, DeniedKey: take.Key, Entries: entries}, nil
		}
	}

	for i, take := range takes {
		entries[i].Count++
		entries[i].Cost += take.Cost
		s.windows[take.Key] = entries[i]
	}
	return WindowDecision{Allowed: true, Entries: entries}, nil
}

func exceeds(entry WindowEntry, take WindowTake) bool {
	if take.Limit.MaxRequests > 0 && entry.Count+1 > take.Limit.MaxRequests {
		return true
	}
	if take.Limit.MaxCost > 0 && entry.Cost+take.Cost > take.Limit.MaxCost {
		return true
	}
	return false
}

// PeekWindow implements Store
func (s *MemoryStore) PeekWindow(ctx context.Context, key string, now time.Time) (WindowEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.ResetAt) {
		return WindowEntry{}, false, nil
	}
	return entry, true, nil
}

// ResetWindow implements Store
func (s *MemoryStore) ResetWindow(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// UpdateBreaker implements Store
func (s *MemoryStore) UpdateBreaker(ctx context.Context, key string, fn func(types.CircuitBreakerState) types.CircuitBreakerState) (types.CircuitBreakerState, error) {
	if err := ctx.Err(); err != nil {
		return types.CircuitBreakerState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.breakers[key].Normalized()).Normalized()
	s.breakers[key] = next
	return next, nil
}

// GetBreaker implements Store
func (s *MemoryStore) GetBreaker(ctx context.Context, key string) (types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakers[key].Normalized(), nil
}

// Sweep implements Store
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.windows {
		if !now.Before(entry.ResetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}
