package routing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestPerformanceTracker_NeutralWithoutHistory(t *testing.T) {
	tracker := NewPerformanceTracker()

	assert.Equal(t, NeutralWeight, tracker.GetRecommendationWeight("openai/a", types.TaskChat))
	assert.Equal(t, NeutralWeight, tracker.GetWinRate("openai/a"))

	_, ok := tracker.GetAverageLatency("openai/a", types.TaskChat)
	assert.False(t, ok)
}

func TestPerformanceTracker_RecommendationWeightDecays(t *testing.T) {
	clock := newFakeClock()
	tracker := NewPerformanceTracker(WithTrackerClock(clock.Now))

	tracker.RecordMetric(types.PerformanceMetric{
		Provider:  "openai/a",
		TaskType:  types.TaskChat,
		Success:   false,
		Timestamp: clock.Now().Add(-24 * time.Hour),
	})
	tracker.RecordMetric(types.PerformanceMetric{
		Provider: "openai/a",
		TaskType: types.TaskChat,
		Success:  true,
	})

	old := math.Pow(DefaultDecayRate, 24)
	assert.InDelta(t, 1/(1+old), tracker.GetRecommendationWeight("openai/a", types.TaskChat), 1e-9)

	// other task types stay neutral
	assert.Equal(t, NeutralWeight, tracker.GetRecommendationWeight("openai/a", types.TaskPlanning))
}

func TestPerformanceTracker_FutureTimestampsCountFully(t *testing.T) {
	clock := newFakeClock()
	tracker := NewPerformanceTracker(WithTrackerClock(clock.Now))

	tracker.RecordMetric(types.PerformanceMetric{
		Provider:  "openai/a",
		TaskType:  types.TaskChat,
		Success:   true,
		Timestamp: clock.Now().Add(2 * time.Hour),
	})
	tracker.RecordMetric(types.PerformanceMetric{
		Provider:  "openai/a",
		TaskType:  types.TaskChat,
		Success:   false,
		Timestamp: clock.Now(),
	})

	assert.InDelta(t, 0.5, tracker.GetRecommendationWeight("openai/a", types.TaskChat), 1e-9)
}

func TestPerformanceTracker_AverageLatencySuccessOnly(t *testing.T) {
	clock := newFakeClock()
	tracker := NewPerformanceTracker(WithTrackerClock(clock.Now))

	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskChat, Success: true, Latency: 100 * time.Millisecond})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskChat, Success: true, Latency: 300 * time.Millisecond})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskChat, Success: false, Latency: 30 * time.Second})

	avg, ok := tracker.GetAverageLatency("p", types.TaskChat)
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, avg)
}

func TestPerformanceTracker_AverageQuality(t *testing.T) {
	tracker := NewPerformanceTracker()

	high, low := 0.9, 0.5
	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskChat, Success: true, QualityScore: &high})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskPlanning, Success: true, QualityScore: &low})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskPlanning, Success: true})

	q, ok := tracker.GetAverageQuality("p")
	require.True(t, ok)
	assert.InDelta(t, 0.7, q, 1e-6)
}

func TestPerformanceTracker_EvictsOldestWhenFull(t *testing.T) {
	tracker := NewPerformanceTracker(WithCapacity(3))

	for i := 0; i < 5; i++ {
		tracker.RecordMetric(types.PerformanceMetric{
			Provider: "p",
			TaskType: types.TaskChat,
			Success:  true,
			Latency:  time.Duration(i) * time.Millisecond,
		})
	}

	assert.Equal(t, 3, tracker.Len())
	assert.Equal(t, 3, tracker.Capacity())

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, 2*time.Millisecond, snapshot[0].Latency)
	assert.Equal(t, 4*time.Millisecond, snapshot[2].Latency)
}

func TestPerformanceTracker_DefaultCapacity(t *testing.T) {
	tracker := NewPerformanceTracker()

	for i := 0; i < DefaultTrackerCapacity+10; i++ {
		tracker.RecordMetric(types.PerformanceMetric{Provider: "p", TaskType: types.TaskChat, Success: i >= 10})
	}

	assert.Equal(t, DefaultTrackerCapacity, tracker.Len())
	// the ten failures were evicted first
	assert.InDelta(t, 1.0, tracker.GetRecommendationWeight("p", types.TaskChat), 1e-9)
}

func TestPerformanceTracker_WinRateAndStats(t *testing.T) {
	clock := newFakeClock()
	tracker := NewPerformanceTracker(WithTrackerClock(clock.Now))

	tracker.RecordMetric(types.PerformanceMetric{Provider: "a", TaskType: types.TaskChat, Success: true, Latency: time.Second})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "a", TaskType: types.TaskPlanning, Success: false})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "a", TaskType: types.TaskPlanning, Success: true, Latency: 3 * time.Second})
	tracker.RecordMetric(types.PerformanceMetric{Provider: "b", TaskType: types.TaskChat, Success: true})

	assert.InDelta(t, 2.0/3.0, tracker.GetWinRate("a"), 1e-6)
	assert.Equal(t, map[string]int{"a": 3, "b": 1}, tracker.Counts())

	stats := tracker.Stats("a")
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, int64(2000), stats.AverageLatency)
}
