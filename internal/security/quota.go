package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// QuotaDecision is an external billing verdict. Reason is surfaced to the
// caller unchanged when Allowed is false.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// QuotaChecker is consulted before a tool runs
type QuotaChecker interface {
	CheckQuota(ctx context.Context, identifier, tool string, estimatedCost float64) (QuotaDecision, error)
}

// QuotaCheckerFunc adapts a function to QuotaChecker
type QuotaCheckerFunc func(ctx context.Context, identifier, tool string, estimatedCost float64) (QuotaDecision, error)

// CheckQuota implements QuotaChecker
func (f QuotaCheckerFunc) CheckQuota(ctx context.Context, identifier, tool string, estimatedCost float64) (QuotaDecision, error) {
	return f(ctx, identifier, tool, estimatedCost)
}

// SpendQuota caps the cumulative estimated spend of each identifier. Limits
// missing from PerIdentifier fall back to DefaultLimit; a non-positive
// limit is unlimited.
type SpendQuota struct {
	DefaultLimit  float64
	PerIdentifier map[string]float64

	mu     sync.Mutex
	spent  map[string]float64
	logger *logrus.Logger
}

// NewSpendQuota creates a spend quota
func NewSpendQuota(defaultLimit float64, perIdentifier map[string]float64, logger *logrus.Logger) *SpendQuota {
	return &SpendQuota{
		DefaultLimit:  defaultLimit,
		PerIdentifier: perIdentifier,
		spent:         make(map[string]float64),
		logger:        logger,
	}
}

// CheckQuota charges estimatedCost to identifier when it fits the limit
func (q *SpendQuota) CheckQuota(ctx context.Context, identifier, tool string, estimatedCost float64) (QuotaDecision, error) {
	limit, ok := q.PerIdentifier[identifier]
	if !ok {
		limit = q.DefaultLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	spent := q.spent[identifier]
	if limit > 0 && spent+estimatedCost > limit {
		q.logger.WithFields(logrus.Fields{
			"identifier": maskKey(identifier),
			"tool":       tool,
			"spent":      spent,
			"limit":      limit,
		}).Warn("Spend quota exhausted")
		return QuotaDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("spend quota exhausted: %.4f of %.4f used", spent, limit),
		}, nil
	}

	q.spent[identifier] = spent + estimatedCost
	return QuotaDecision{Allowed: true}, nil
}

// Spent returns the spend charged to identifier so far
func (q *SpendQuota) Spent(identifier string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spent[identifier]
}
