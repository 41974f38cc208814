package routing

import (
	"math"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

const (
	// DefaultInputTokens is assumed when a request carries no input estimate
	DefaultInputTokens = 1000
	// DefaultOutputTokens is assumed when a request carries no output estimate
	DefaultOutputTokens = 500

	// efficiencyCeilingTokens sizes the cost ceiling against which
	// efficiency is measured.
	efficiencyCeilingTokens = 10000
	tokensPerMillion        = 1_000_000.0
)

// CostEstimate is the predicted spend of a single call against one provider
type CostEstimate struct {
	ExpectedCost    float64 `json:"expected_cost"`
	WithinBudget    bool    `json:"within_budget"`
	EfficiencyScore float64 `json:"efficiency_score"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
}

// CostPredictor estimates per-call cost from descriptor prices
type CostPredictor struct{}

// NewCostPredictor creates a cost predictor
func NewCostPredictor() *CostPredictor {
	return &CostPredictor{}
}

// PredictCost estimates the cost of a call. A nil budget is always met.
// Non-positive token counts fall back to the defaults.
func (p *CostPredictor) PredictCost(d types.CapabilityDescriptor, budget *float64, inputTokens, outputTokens int) CostEstimate {
	if inputTokens <= 0 {
		inputTokens = DefaultInputTokens
	}
	if outputTokens <= 0 {
		outputTokens = DefaultOutputTokens
	}

	expected := float64(inputTokens)/tokensPerMillion*d.PricePerMillionIn +
		float64(outputTokens)/tokensPerMillion*d.PricePerMillionOut

	within := true
	if budget != nil {
		within = expected <= *budget
	}

	return CostEstimate{
		ExpectedCost:    expected,
		WithinBudget:    within,
		EfficiencyScore: p.efficiency(d, expected),
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
	}
}

// efficiency is 1 - cost/ceiling clamped at 0, where the ceiling is the
// price of a 10k-token call at combined input and output prices.
func (p *CostPredictor) efficiency(d types.CapabilityDescriptor, expected float64) float64 {
	ceiling := efficiencyCeilingTokens / tokensPerMillion * (d.PricePerMillionIn + d.PricePerMillionOut)
	if ceiling <= 0 {
		return 1.0
	}
	return math.Max(0, 1-expected/ceiling)
}

// ActualCost prices observed token usage
func (p *CostPredictor) ActualCost(d types.CapabilityDescriptor, usage types.Usage) float64 {
	return float64(usage.PromptTokens)/tokensPerMillion*d.PricePerMillionIn +
		float64(usage.CompletionTokens)/tokensPerMillion*d.PricePerMillionOut
}
