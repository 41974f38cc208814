package routing

import (
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// DefaultQuality is assumed for providers absent from the quality table
const DefaultQuality = 0.5

// ProviderQuality holds a provider's baseline quality and per-task overrides
type ProviderQuality struct {
	Default float64                    `json:"default" yaml:"default" validate:"gte=0,lte=1"`
	Tasks   map[types.TaskType]float64 `json:"tasks,omitempty" yaml:"tasks"`
}

// QualityTable maps provider names to expected output quality in [0,1]
type QualityTable map[string]ProviderQuality

// Score looks up the quality of provider for taskType
func (q QualityTable) Score(provider string, taskType types.TaskType) float64 {
	entry, ok := q[provider]
	if !ok {
		return DefaultQuality
	}
	score := entry.Default
	if v, ok := entry.Tasks[taskType]; ok {
		score = v
	}
	return clamp01(score)
}

// Clone returns a deep copy
func (q QualityTable) Clone() QualityTable {
	out := make(QualityTable, len(q))
	for name, entry := range q {
		tasks := make(map[types.TaskType]float64, len(entry.Tasks))
		for k, v := range entry.Tasks {
			tasks[k] = v
		}
		out[name] = ProviderQuality{Default: entry.Default, Tasks: tasks}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
