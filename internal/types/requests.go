package types

import (
	"time"
)

// TaskType classifies the work a routing request is for
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskCodeReview     TaskType = "code_review"
	TaskPlanning       TaskType = "planning"
	TaskAnalysis       TaskType = "analysis"
	TaskSummarization  TaskType = "summarization"
	TaskChat           TaskType = "chat"
	TaskGeneral        TaskType = "general"
)

// KnownTaskTypes lists every task type with a dedicated policy slot
var KnownTaskTypes = []TaskType{
	TaskCodeGeneration,
	TaskCodeReview,
	TaskPlanning,
	TaskAnalysis,
	TaskSummarization,
	TaskChat,
	TaskGeneral,
}

// IsKnown reports whether t is one of KnownTaskTypes
func (t TaskType) IsKnown() bool {
	for _, known := range KnownTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RoutingRequest is the input to provider selection
type RoutingRequest struct {
	TaskType              TaskType     `json:"task_type"`
	QualityRequirement    float64      `json:"quality_requirement"`
	CostBudget            *float64     `json:"cost_budget,omitempty"`
	ContextTokens         int          `json:"context_tokens"`
	Required              Capabilities `json:"required_capabilities"`
	VendorPreference      string       `json:"vendor_preference,omitempty"`
	VendorDiversity       bool         `json:"vendor_diversity,omitempty"`
	EstimatedInputTokens  int          `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens int          `json:"estimated_output_tokens,omitempty"`
}

// RoutingPolicy tunes scoring for one task type
type RoutingPolicy struct {
	PreferredProviders []string `json:"preferred_providers,omitempty" yaml:"preferred_providers"`
	CostWeight         float64  `json:"cost_weight" yaml:"cost_weight" validate:"gte=0"`
	LatencyWeight      float64  `json:"latency_weight" yaml:"latency_weight" validate:"gte=0"`
	QualityWeight      float64  `json:"quality_weight" yaml:"quality_weight" validate:"gte=0"`
	MaxCostPerRequest  *float64 `json:"max_cost_per_request,omitempty" yaml:"max_cost_per_request" validate:"omitempty,gte=0"`
}

// Prefers reports whether provider is in the preferred list
func (p RoutingPolicy) Prefers(provider string) bool {
	for _, name := range p.PreferredProviders {
		if name == provider {
			return true
		}
	}
	return false
}

// PerformanceMetric is one observed outcome of calling a provider
type PerformanceMetric struct {
	Provider     string        `json:"provider"`
	TaskType     TaskType      `json:"task_type"`
	Success      bool          `json:"success"`
	Latency      time.Duration `json:"latency"`
	Cost         float64       `json:"cost"`
	QualityScore *float64      `json:"quality_score,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CompletionRequest asks the host to route a prompt and run it against the
// selected provider.
type CompletionRequest struct {
	Routing   RoutingRequest `json:"routing"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
}
