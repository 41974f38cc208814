package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMemoryStore_TakeWindows_CountLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limit := WindowLimit{MaxRequests: 2, Window: time.Minute}

	for i := 1; i <= 2; i++ {
		decision, err := store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit}}, epoch)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, i, decision.Entries[0].Count)
		assert.Equal(t, epoch.Add(time.Minute), decision.Entries[0].ResetAt)
	}

	decision, err := store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit}}, epoch.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "k", decision.DeniedKey)
	assert.Equal(t, 2, decision.Entries[0].Count)
}

func TestMemoryStore_TakeWindows_ResetIsWholesale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limit := WindowLimit{MaxRequests: 1, MaxCost: 5, Window: time.Minute}

	decision, err := store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit, Cost: 4}}, epoch)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// at exactly the reset time both count and cost start over
	resetAt := epoch.Add(time.Minute)
	decision, err = store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit, Cost: 4}}, resetAt)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Entries[0].Count)
	assert.Equal(t, 4.0, decision.Entries[0].Cost)
	assert.Equal(t, resetAt.Add(time.Minute), decision.Entries[0].ResetAt)
}

func TestMemoryStore_TakeWindows_CostLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limit := WindowLimit{MaxCost: 1.0, Window: time.Hour}

	decision, err := store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit, Cost: 0.6}}, epoch)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit, Cost: 0.6}}, epoch)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.InDelta(t, 0.6, decision.Entries[0].Cost, 1e-9)
}

func TestMemoryStore_TakeWindows_AllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	global := WindowTake{Key: "user:*", Limit: WindowLimit{MaxRequests: 10, Window: time.Minute}}
	tool := WindowTake{Key: "user:search", Limit: WindowLimit{MaxRequests: 1, Window: time.Minute}}

	decision, err := store.TakeWindows(ctx, []WindowTake{global, tool}, epoch)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = store.TakeWindows(ctx, []WindowTake{global, tool}, epoch)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "user:search", decision.DeniedKey)

	entry, ok, err := store.PeekWindow(ctx, "user:*", epoch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Count, "denied take must not consume the global slot")
}

func TestMemoryStore_TakeWindows_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limit := WindowLimit{MaxRequests: 50, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := store.TakeWindows(ctx, []WindowTake{{Key: "k", Limit: limit}}, epoch)
			if err != nil {
				t.Errorf("TakeWindows failed: %v", err)
				return
			}
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestMemoryStore_Breaker(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	initial, err := store.GetBreaker(ctx, "tool")
	require.NoError(t, err)
	assert.Equal(t, types.CircuitClosed, initial.State)

	next, err := store.UpdateBreaker(ctx, "tool", func(s types.CircuitBreakerState) types.CircuitBreakerState {
		s.ConsecutiveFailures++
		return s
	})
	require.NoError(t, err)
	assert.Equal(t, 1, next.ConsecutiveFailures)
	assert.Equal(t, types.CircuitClosed, next.State)

	stored, err := store.GetBreaker(ctx, "tool")
	require.NoError(t, err)
	assert.Equal(t, next, stored)
}

func TestMemoryStore_SweepAndReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.TakeWindows(ctx, []WindowTake{{Key: "short", Limit: WindowLimit{MaxRequests: 1, Window: time.Second}}}, epoch)
	require.NoError(t, err)
	_, err = store.TakeWindows(ctx, []WindowTake{{Key: "long", Limit: WindowLimit{MaxRequests: 1, Window: time.Hour}}}, epoch)
	require.NoError(t, err)

	removed, err := store.Sweep(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, store.ResetWindow(ctx, "long"))
	_, ok, err := store.PeekWindow(ctx, "long", epoch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.TakeWindows(ctx, []WindowTake{{Key: "k"}}, epoch)
	assert.ErrorIs(t, err, context.Canceled)
}
