package routing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// Points available per scoring factor
const (
	QualityPoints     = 50.0
	CostPoints        = 20.0
	PerformancePoints = 15.0
	PreferenceBonus   = 5.0

	// DiversityBonus is granted on diversity requests only to providers
	// whose vendor is not among those with the most recorded outcomes.
	DiversityBonus = 2.0

	VendorMatchBonus  = 2.0

	// MaxFallbacks bounds the fallback list of a decision
	MaxFallbacks = 3

	// latencyReference is the average latency that earns a zero latency score
	latencyReference = 10 * time.Second
)

// registeredProvider pairs a descriptor with the client handle the host uses
type registeredProvider struct {
	descriptor types.CapabilityDescriptor
	client     providers.Client
}

// Router selects providers for routing requests. Registry and policy reads
// share a read lock so concurrent selections do not block each other.
type Router struct {
	mu            sync.RWMutex
	providers     map[string]*registeredProvider
	providerNames []string // registration order, used as the ranking tie-break
	policies      map[types.TaskType]types.RoutingPolicy
	quality       QualityTable

	cost    *CostPredictor
	tracker *PerformanceTracker
	logger  *logrus.Logger
	now     func() time.Time
}

// Option configures a Router
type Option func(*Router)

// WithQualityTable injects the provider quality table
func WithQualityTable(q QualityTable) Option {
	return func(r *Router) {
		r.quality = q.Clone()
	}
}

// WithTracker injects the performance tracker
func WithTracker(t *PerformanceTracker) Option {
	return func(r *Router) {
		if t != nil {
			r.tracker = t
		}
	}
}

// WithClock injects the clock used to stamp decisions and outcomes
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter creates a new router instance
func NewRouter(logger *logrus.Logger, opts ...Option) *Router {
	r := &Router{
		providers:     make(map[string]*registeredProvider),
		providerNames: make([]string, 0),
		policies:      make(map[types.TaskType]types.RoutingPolicy),
		quality:       QualityTable{},
		cost:          NewCostPredictor(),
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = NewPerformanceTracker(WithTrackerClock(r.now))
	}
	return r
}

// RegisterProvider adds a provider to the router. Names are unique.
func (r *Router) RegisterProvider(descriptor types.CapabilityDescriptor, client providers.Client) error {
	if err := validateDescriptor(descriptor); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, descriptor.Name)
	}
	r.providers[descriptor.Name] = &registeredProvider{descriptor: descriptor, client: client}
	r.providerNames = append(r.providerNames, descriptor.Name)

	r.logger.WithFields(logrus.Fields{
		"provider":    descriptor.Name,
		"vendor":      descriptor.VendorPrefix(),
		"max_context": descriptor.MaxContextTokens,
	}).Info("Provider registered")
	return nil
}

// GetProvider returns a provider's descriptor and client handle by name
func (r *Router) GetProvider(name string) (types.CapabilityDescriptor, providers.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[name]
	if !exists {
		return types.CapabilityDescriptor{}, nil, false
	}
	return p.descriptor, p.client, true
}

// ListProviders returns all registered provider names in registration order
func (r *Router) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.providerNames))
	copy(names, r.providerNames)
	return names
}

// GetCapabilities returns the descriptors of all registered providers
func (r *Router) GetCapabilities() map[string]types.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.CapabilityDescriptor, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.descriptor
	}
	return out
}

// SetPolicy installs the policy for one task type
func (r *Router) SetPolicy(taskType types.TaskType, policy types.RoutingPolicy) error {
	if err := validatePolicy(taskType, policy); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[taskType] = clonePolicy(policy)
	return nil
}

// SetPolicies replaces every policy at once. Nothing is applied if any
// policy is invalid.
func (r *Router) SetPolicies(policies map[types.TaskType]types.RoutingPolicy) error {
	next := make(map[types.TaskType]types.RoutingPolicy, len(policies))
	for taskType, policy := range policies {
		if err := validatePolicy(taskType, policy); err != nil {
			return err
		}
		next[taskType] = clonePolicy(policy)
	}

	r.mu.Lock()
	r.policies = next
	r.mu.Unlock()

	r.logger.WithField("policies", len(next)).Info("Routing policies updated")
	return nil
}

// Policy returns the policy applied to taskType. Unknown or unconfigured
// task types use the general policy.
func (r *Router) Policy(taskType types.TaskType) types.RoutingPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policyLocked(taskType)
}

// SetQualityTable replaces the quality table
func (r *Router) SetQualityTable(q QualityTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quality = q.Clone()
}

// Tracker exposes the performance tracker fed by RecordOutcome
func (r *Router) Tracker() *PerformanceTracker {
	return r.tracker
}

// CostPredictor exposes the predictor used during scoring
func (r *Router) CostPredictor() *CostPredictor {
	return r.cost
}

// RecordOutcome feeds an observed outcome back into the tracker
func (r *Router) RecordOutcome(metric types.PerformanceMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = r.now()
	}
	r.tracker.RecordMetric(metric)

	r.logger.WithFields(logrus.Fields{
		"provider":   metric.Provider,
		"task_type":  metric.TaskType,
		"success":    metric.Success,
		"latency_ms": metric.Latency.Milliseconds(),
	}).Debug("Outcome recorded")
}

// Stats summarises recorded outcomes per provider in registration order
func (r *Router) Stats() []types.ProviderStats {
	names := r.ListProviders()
	stats := make([]types.ProviderStats, 0, len(names))
	for _, name := range names {
		stats = append(stats, r.tracker.Stats(name))
	}
	return stats
}

// SelectProvider picks the best provider for req. It performs no I/O and
// does not mutate router state.
func (r *Router) SelectProvider(req *types.RoutingRequest) (*RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	taskType := req.TaskType
	if taskType == "" {
		taskType = types.TaskGeneral
	}
	policy := r.policyLocked(taskType)
	budget := effectiveBudget(req.CostBudget, policy.MaxCostPerRequest)

	var rejected []Rejection
	candidates := r.filterByRequirements(req, &rejected)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %d registered, context %d tokens, required %v",
			ErrNoProviderAvailable, len(r.providerNames), req.ContextTokens, capabilityNames(req.Required))
	}

	dominant := r.dominantVendors()
	scores := make([]ProviderScore, 0, len(candidates))
	for _, p := range candidates {
		score, ok := r.scoreProvider(p.descriptor, req, taskType, policy, budget, dominant)
		if !ok {
			rejected = append(rejected, Rejection{
				Provider: p.descriptor.Name,
				Stage:    "budget",
				Reason:   fmt.Sprintf("estimated cost %.6f exceeds budget %.6f", score.EstimatedCost, *budget),
			})
			continue
		}
		scores = append(scores, score)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: %d candidates exceeded the cost budget", ErrNoProviderPassedScoring, len(candidates))
	}

	// candidates are in registration order, so a stable sort keeps that
	// order among equal scores
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	best := scores[0]
	fallbacks := make([]string, 0, MaxFallbacks)
	for _, s := range scores[1:] {
		if len(fallbacks) == MaxFallbacks {
			break
		}
		fallbacks = append(fallbacks, s.Provider)
	}

	decision := &RoutingDecision{
		SelectedProvider:  best.Provider,
		Confidence:        math.Min(1, best.Score/100),
		Rationale:         buildRationale(best, req.QualityRequirement),
		EstimatedCost:     best.EstimatedCost,
		FallbackProviders: fallbacks,
		Scores:            scores,
		Rejected:          rejected,
		TaskType:          string(taskType),
		Timestamp:         r.now(),
	}

	r.logger.WithFields(logrus.Fields{
		"provider":    decision.SelectedProvider,
		"task_type":   taskType,
		"score":       best.Score,
		"confidence":  decision.Confidence,
		"fallbacks":   fallbacks,
		"considered":  len(scores),
	}).Debug("Provider selected")

	return decision, nil
}

// filterByRequirements keeps providers that fit the context window and
// advertise every required capability, in registration order.
func (r *Router) filterByRequirements(req *types.RoutingRequest, rejected *[]Rejection) []*registeredProvider {
	var out []*registeredProvider
	for _, name := range r.providerNames {
		p := r.providers[name]
		d := p.descriptor
		if d.MaxContextTokens < req.ContextTokens {
			*rejected = append(*rejected, Rejection{
				Provider: name,
				Stage:    "filter",
				Reason:   fmt.Sprintf("context window %d < %d", d.MaxContextTokens, req.ContextTokens),
			})
			continue
		}
		if missing := d.Capabilities.Missing(req.Required); len(missing) > 0 {
			*rejected = append(*rejected, Rejection{
				Provider: name,
				Stage:    "filter",
				Reason:   "missing " + strings.Join(missing, ", "),
			})
			continue
		}
		out = append(out, p)
	}
	return out
}

// scoreProvider computes the additive score. The boolean is false when the
// provider is dropped by the cost budget.
func (r *Router) scoreProvider(d types.CapabilityDescriptor, req *types.RoutingRequest, taskType types.TaskType,
	policy types.RoutingPolicy, budget *float64, dominant map[string]bool) (ProviderScore, bool) {

	estimate := r.cost.PredictCost(d, budget, req.EstimatedInputTokens, req.EstimatedOutputTokens)
	vendor := d.VendorPrefix()
	quality := r.quality.Score(d.Name, taskType)

	score := ProviderScore{
		Provider:      d.Name,
		Vendor:        vendor,
		EstimatedCost: estimate.ExpectedCost,
		MeetsQuality:  quality >= req.QualityRequirement,
	}
	if !estimate.WithinBudget {
		return score, false
	}

	var b ScoreBreakdown
	b.Quality = quality * QualityPoints
	b.Cost = estimate.EfficiencyScore * CostPoints
	b.Performance = r.tracker.GetRecommendationWeight(d.Name, taskType) * PerformancePoints
	if policy.Prefers(d.Name) {
		b.Preference = PreferenceBonus
	}
	if req.VendorDiversity && !dominant[vendor] {
		b.Diversity = DiversityBonus
	}
	if req.VendorPreference != "" && strings.EqualFold(vendor, strings.TrimSpace(req.VendorPreference)) {
		b.VendorMatch = VendorMatchBonus
	}
	b.Policy = policy.CostWeight*estimate.EfficiencyScore +
		policy.QualityWeight*quality +
		policy.LatencyWeight*r.latencyScore(d.Name, taskType)

	score.Breakdown = b
	score.Score = b.Total()
	return score, true
}

// latencyScore maps average successful latency onto [0,1], 1 being instant.
// Providers without latency history get the neutral weight.
func (r *Router) latencyScore(provider string, taskType types.TaskType) float64 {
	avg, ok := r.tracker.GetAverageLatency(provider, taskType)
	if !ok {
		return NeutralWeight
	}
	return 1 - math.Min(float64(avg)/float64(latencyReference), 1)
}

// dominantVendors returns the vendors with the most recorded outcomes.
// With no history no vendor is dominant.
func (r *Router) dominantVendors() map[string]bool {
	perVendor := make(map[string]int)
	for provider, n := range r.tracker.Counts() {
		vendor := types.VendorOf(provider)
		if p, ok := r.providers[provider]; ok {
			vendor = p.descriptor.VendorPrefix()
		}
		perVendor[vendor] += n
	}

	top := 0
	for _, n := range perVendor {
		if n > top {
			top = n
		}
	}
	dominant := make(map[string]bool)
	if top == 0 {
		return dominant
	}
	for vendor, n := range perVendor {
		if n == top {
			dominant[vendor] = true
		}
	}
	return dominant
}

func (r *Router) policyLocked(taskType types.TaskType) types.RoutingPolicy {
	if p, ok := r.policies[taskType]; ok {
		return p
	}
	if p, ok := r.policies[types.TaskGeneral]; ok {
		return p
	}
	return types.RoutingPolicy{}
}

// effectiveBudget is the tighter of the request budget and the policy cap
func effectiveBudget(request, policyMax *float64) *float64 {
	switch {
	case request == nil && policyMax == nil:
		return nil
	case request == nil:
		v := *policyMax
		return &v
	case policyMax == nil:
		v := *request
		return &v
	default:
		v := math.Min(*request, *policyMax)
		return &v
	}
}

func buildRationale(s ProviderScore, qualityRequirement float64) string {
	b := s.Breakdown
	factors := []struct {
		label  string
		points float64
	}{
		{"quality", b.Quality},
		{"cost efficiency", b.Cost},
		{"performance", b.Performance},
		{"preferred", b.Preference},
		{"vendor diversity", b.Diversity},
		{"vendor match", b.VendorMatch},
		{"policy weights", b.Policy},
	}

	var parts []string
	for _, f := range factors {
		if f.points != 0 {
			parts = append(parts, fmt.Sprintf("%s +%.2f", f.label, f.points))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no contributing factors")
	}

	rationale := fmt.Sprintf("%s: %s; final score %.2f", s.Provider, strings.Join(parts, ", "), s.Score)
	if !s.MeetsQuality {
		rationale += fmt.Sprintf(" (below quality requirement %.2f)", qualityRequirement)
	}
	return rationale
}

func validateDescriptor(d types.CapabilityDescriptor) error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	case d.MaxContextTokens <= 0:
		return fmt.Errorf("%w: %s: max_context_tokens must be positive", ErrInvalidDescriptor, d.Name)
	case d.PricePerMillionIn < 0 || d.PricePerMillionOut < 0:
		return fmt.Errorf("%w: %s: prices must be non-negative", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

func validatePolicy(taskType types.TaskType, p types.RoutingPolicy) error {
	if p.CostWeight < 0 || p.LatencyWeight < 0 || p.QualityWeight < 0 {
		return fmt.Errorf("%w: %s: weights must be non-negative", ErrInvalidPolicy, taskType)
	}
	if p.MaxCostPerRequest != nil && *p.MaxCostPerRequest < 0 {
		return fmt.Errorf("%w: %s: max_cost_per_request must be non-negative", ErrInvalidPolicy, taskType)
	}
	return nil
}

func clonePolicy(p types.RoutingPolicy) types.RoutingPolicy {
	out := p
	out.PreferredProviders = append([]string(nil), p.PreferredProviders...)
	if p.MaxCostPerRequest != nil {
		v := *p.MaxCostPerRequest
		out.MaxCostPerRequest = &v
	}
	return out
}

func capabilityNames(c types.Capabilities) []string {
	return types.Capabilities{}.Missing(c)
}
