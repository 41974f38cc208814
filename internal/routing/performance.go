package routing

import (
	"math"
	"sync"
	"time"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

const (
	// DefaultTrackerCapacity bounds the metric history
	DefaultTrackerCapacity = 1000
	// DefaultDecayRate is the per-hour weight retained by a metric
	DefaultDecayRate = 0.95
	// NeutralWeight is reported for providers with no history
	NeutralWeight = 0.5
)

// PerformanceTracker keeps a bounded FIFO history of provider outcomes and
// derives time-decayed statistics from it.
type PerformanceTracker struct {
	mu    sync.RWMutex
	buf   []types.PerformanceMetric
	next  int
	count int
	decay float64
	now   func() time.Time
}

// TrackerOption configures a PerformanceTracker
type TrackerOption func(*PerformanceTracker)

// WithCapacity sets the history size
func WithCapacity(capacity int) TrackerOption {
	return func(t *PerformanceTracker) {
		if capacity > 0 {
			t.buf = make([]types.PerformanceMetric, capacity)
		}
	}
}

// WithDecayRate sets the per-hour retained weight
func WithDecayRate(rate float64) TrackerOption {
	return func(t *PerformanceTracker) {
		if rate > 0 && rate <= 1 {
			t.decay = rate
		}
	}
}

// WithTrackerClock injects the clock used for ageing metrics
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *PerformanceTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewPerformanceTracker creates a tracker
func NewPerformanceTracker(opts ...TrackerOption) *PerformanceTracker {
	t := &PerformanceTracker{
		buf:   make([]types.PerformanceMetric, DefaultTrackerCapacity),
		decay: DefaultDecayRate,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordMetric appends a metric, evicting the oldest when full. A zero
// timestamp is stamped with the tracker clock.
func (t *PerformanceTracker) RecordMetric(m types.PerformanceMetric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = t.now()
	}
	t.buf[t.next] = m
	t.next = (t.next + 1) % len(t.buf)
	if t.count < len(t.buf) {
		t.count++
	}
}

// Len returns the number of retained metrics
func (t *PerformanceTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Capacity returns the history bound
func (t *PerformanceTracker) Capacity() int {
	return len(t.buf)
}

// Snapshot returns the retained metrics, oldest first
func (t *PerformanceTracker) Snapshot() []types.PerformanceMetric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.PerformanceMetric, 0, t.count)
	t.each(func(m types.PerformanceMetric) {
		out = append(out, m)
	})
	return out
}

// GetRecommendationWeight returns the decayed success ratio of provider on
// taskType, or NeutralWeight when nothing has been recorded.
func (t *PerformanceTracker) GetRecommendationWeight(provider string, taskType types.TaskType) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var total, succeeded float64
	t.each(func(m types.PerformanceMetric) {
		if m.Provider != provider || m.TaskType != taskType {
			return
		}
		w := t.weight(now, m.Timestamp)
		total += w
		if m.Success {
			succeeded += w
		}
	})
	if total == 0 {
		return NeutralWeight
	}
	return succeeded / total
}

// GetWinRate is the decayed success ratio of provider across all task types
func (t *PerformanceTracker) GetWinRate(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var total, succeeded float64
	t.each(func(m types.PerformanceMetric) {
		if m.Provider != provider {
			return
		}
		w := t.weight(now, m.Timestamp)
		total += w
		if m.Success {
			succeeded += w
		}
	})
	if total == 0 {
		return NeutralWeight
	}
	return succeeded / total
}

// GetAverageLatency returns the decayed mean latency of successful calls.
// The boolean is false when there are none.
func (t *PerformanceTracker) GetAverageLatency(provider string, taskType types.TaskType) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var total, weighted float64
	t.each(func(m types.PerformanceMetric) {
		if m.Provider != provider || m.TaskType != taskType || !m.Success {
			return
		}
		w := t.weight(now, m.Timestamp)
		total += w
		weighted += w * float64(m.Latency)
	})
	if total == 0 {
		return 0, false
	}
	return time.Duration(weighted / total), true
}

// GetAverageQuality returns the decayed mean of reported quality scores
func (t *PerformanceTracker) GetAverageQuality(provider string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var total, weighted float64
	t.each(func(m types.PerformanceMetric) {
		if m.Provider != provider || m.QualityScore == nil {
			return
		}
		w := t.weight(now, m.Timestamp)
		total += w
		weighted += w * *m.QualityScore
	})
	if total == 0 {
		return 0, false
	}
	return weighted / total, true
}

// Counts returns the number of retained metrics per provider
func (t *PerformanceTracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	t.each(func(m types.PerformanceMetric) {
		counts[m.Provider]++
	})
	return counts
}

// Stats summarises provider across all task types
func (t *PerformanceTracker) Stats(provider string) types.ProviderStats {
	stats := types.ProviderStats{
		Provider: provider,
		Samples:  t.Counts()[provider],
		WinRate:  t.GetWinRate(provider),
	}
	if q, ok := t.GetAverageQuality(provider); ok {
		stats.AverageQuality = q
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	var total, weighted float64
	t.each(func(m types.PerformanceMetric) {
		if m.Provider != provider || !m.Success {
			return
		}
		w := t.weight(now, m.Timestamp)
		total += w
		weighted += w * float64(m.Latency)
	})
	if total > 0 {
		stats.AverageLatency = time.Duration(weighted / total).Milliseconds()
	}
	return stats
}

// weight is decay^ageHours. Metrics stamped in the future count fully.
func (t *PerformanceTracker) weight(now, ts time.Time) float64 {
	age := now.Sub(ts).Hours()
	if age < 0 {
		age = 0
	}
	return math.Pow(t.decay, age)
}

// each visits retained metrics oldest first. Caller holds the lock.
func (t *PerformanceTracker) each(fn func(types.PerformanceMetric)) {
	start := 0
	if t.count == len(t.buf) {
		start = t.next
	}
	for i := 0; i < t.count; i++ {
		fn(t.buf[(start+i)%len(t.buf)])
	}
}
