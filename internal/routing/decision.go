package routing

import (
	"time"
)

// ScoreBreakdown records the points each factor contributed
type ScoreBreakdown struct {
	Quality     float64 `json:"quality"`
	Cost        float64 `json:"cost"`
	Performance float64 `json:"performance"`
	Preference  float64 `json:"preference"`
	Diversity   float64 `json:"diversity"`
	VendorMatch float64 `json:"vendor_match"`
	Policy      float64 `json:"policy"`
}

// Total sums every factor
func (b ScoreBreakdown) Total() float64 {
	return b.Quality + b.Cost + b.Performance + b.Preference + b.Diversity + b.VendorMatch + b.Policy
}

// ProviderScore is one candidate's evaluation for a single routing call
type ProviderScore struct {
	Provider      string         `json:"provider"`
	Vendor        string         `json:"vendor"`
	Score         float64        `json:"score"`
	Breakdown     ScoreBreakdown `json:"breakdown"`
	EstimatedCost float64        `json:"estimated_cost"`
	MeetsQuality  bool           `json:"meets_quality"`
}

// Rejection explains why a provider was not scored
type Rejection struct {
	Provider string `json:"provider"`
	Stage    string `json:"stage"` // "filter" or "budget"
	Reason   string `json:"reason"`
}

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	// DecisionID is assigned by the caller that records the decision;
	// SelectProvider leaves it empty so equal inputs give equal decisions.
	DecisionID string `json:"decision_id,omitempty"`

	// The selected provider name
	SelectedProvider string `json:"selected_provider"`

	// Confidence is min(1, score/100)
	Confidence float64 `json:"confidence"`

	// Human-readable rationale naming every contributing factor
	Rationale string `json:"rationale"`

	EstimatedCost float64 `json:"estimated_cost"`

	// Up to three next-best providers in rank order
	FallbackProviders []string `json:"fallback_providers"`

	// Every scored provider, best first
	Scores []ProviderScore `json:"scores"`

	Rejected []Rejection `json:"rejected,omitempty"`

	TaskType  string    `json:"task_type"`
	Timestamp time.Time `json:"timestamp"`
}
