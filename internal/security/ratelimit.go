package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/state"
)

// Scopes a rate limit decision can come from
const (
	ScopeGlobal = "global"
	ScopeTool   = "tool"
)

// RateLimiter gates tool invocations per caller identifier
type RateLimiter interface {
	Allow(ctx context.Context, req RateLimitRequest) (*RateLimitResult, error)
	Reset(ctx context.Context, identifier, tool string) error
	GetLimits(ctx context.Context, identifier, tool string) (*RateLimitInfo, error)
}

// RateLimitRequest identifies one slot to consume
type RateLimitRequest struct {
	Identifier string  `json:"identifier"`
	Tool       string  `json:"tool"`
	Cost       float64 `json:"cost,omitempty"`
}

// RateLimitResult contains the result of a rate limit check. Remaining is
// -1 when the tool scope has no request bound.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
	Scope      string        `json:"scope,omitempty"`
}

// RateLimitInfo contains current rate limit status
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	CostUsed  float64   `json:"cost_used"`
	ResetTime time.Time `json:"reset_time"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool                         `yaml:"enabled"`
	Default         state.WindowLimit            `yaml:"default"`
	Tools           map[string]state.WindowLimit `yaml:"tools"`
	Global          *state.WindowLimit           `yaml:"global"`
	CleanupInterval time.Duration                `yaml:"cleanup_interval"`
}

// LimitFor returns the window limit applied to tool
func (c *RateLimitConfig) LimitFor(tool string) state.WindowLimit {
	limit, ok := c.Tools[tool]
	if !ok {
		limit = c.Default
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return limit
}

// WindowRateLimiter applies fixed windows that start on the first request
// and reset wholesale. A burst straddling a boundary can therefore see up to
// twice the nominal rate.
type WindowRateLimiter struct {
	config *RateLimitConfig
	store  state.Store
	logger *logrus.Logger
	now    func() time.Time

	mutex         sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan bool
	stopped       bool
}

// NewWindowRateLimiter creates a rate limiter over store. A zero
// CleanupInterval disables background sweeping.
func NewWindowRateLimiter(config *RateLimitConfig, store state.Store, logger *logrus.Logger) *WindowRateLimiter {
	if config.Global != nil && config.Global.Window <= 0 {
		config.Global.Window = time.Minute
	}

	rl := &WindowRateLimiter{
		config:      config,
		store:       store,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan bool),
	}

	if config.CleanupInterval > 0 {
		rl.startCleanup()
	}
	return rl
}

// SetClock replaces the limiter's clock
func (rl *WindowRateLimiter) SetClock(now func() time.Time) {
	rl.now = now
}

// Allow consumes one slot from the global scope and the tool scope, or from
// neither when either is exhausted.
func (rl *WindowRateLimiter) Allow(ctx context.Context, req RateLimitRequest) (*RateLimitResult, error) {
	now := rl.now()
	if !rl.config.Enabled {
		return &RateLimitResult{Allowed: true, Remaining: -1, ResetTime: now}, nil
	}

	toolLimit := rl.config.LimitFor(req.Tool)
	var takes []state.WindowTake
	scopes := map[string]string{}

	if g := rl.config.Global; g != nil && !g.Unlimited() {
		key := globalKey(req.Identifier)
		takes = append(takes, state.WindowTake{Key: key, Limit: *g, Cost: req.Cost})
		scopes[key] = ScopeGlobal
	}
	toolIndex := -1
	if !toolLimit.Unlimited() {
		key := toolKey(req.Identifier, req.Tool)
		toolIndex = len(takes)
		takes = append(takes, state.WindowTake{Key: key, Limit: toolLimit, Cost: req.Cost})
		scopes[key] = ScopeTool
	}
	if len(takes) == 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1, ResetTime: now}, nil
	}

	decision, err := rl.store.TakeWindows(ctx, takes, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	result := &RateLimitResult{Allowed: decision.Allowed, Remaining: -1}
	if toolIndex >= 0 {
		entry := decision.Entries[toolIndex]
		result.ResetTime = entry.ResetAt
		if toolLimit.MaxRequests > 0 {
			result.Remaining = maxInt(toolLimit.MaxRequests-entry.Count, 0)
		}
	}

	if decision.Allowed {
		if toolIndex < 0 {
			result.ResetTime = decision.Entries[0].ResetAt
		}
		return result, nil
	}

	for i, take := range takes {
		if take.Key == decision.DeniedKey {
			result.ResetTime = decision.Entries[i].ResetAt
		}
	}
	result.Scope = scopes[decision.DeniedKey]
	result.RetryAfter = result.ResetTime.Sub(now)
	if result.Scope == ScopeGlobal {
		result.Remaining = 0
	}

	rl.logger.WithFields(logrus.Fields{
		"identifier":  maskKey(req.Identifier),
		"tool":        req.Tool,
		"scope":       result.Scope,
		"retry_after": result.RetryAfter,
	}).Warn("Rate limit exceeded")

	return result, nil
}

// Reset clears the tool window of identifier. An empty tool clears the
// global window.
func (rl *WindowRateLimiter) Reset(ctx context.Context, identifier, tool string) error {
	key := toolKey(identifier, tool)
	if tool == "" {
		key = globalKey(identifier)
	}
	if err := rl.store.ResetWindow(ctx, key); err != nil {
		return err
	}

	rl.logger.WithFields(logrus.Fields{
		"identifier": maskKey(identifier),
		"tool":       tool,
	}).Info("Rate limit reset")
	return nil
}

// GetLimits returns current rate limit information for identifier on tool
func (rl *WindowRateLimiter) GetLimits(ctx context.Context, identifier, tool string) (*RateLimitInfo, error) {
	limit := rl.config.LimitFor(tool)
	entry, ok, err := rl.store.PeekWindow(ctx, toolKey(identifier, tool), rl.now())
	if err != nil {
		return nil, err
	}

	info := &RateLimitInfo{Limit: limit.MaxRequests, Remaining: limit.MaxRequests}
	if ok {
		info.Used = entry.Count
		info.CostUsed = entry.Cost
		info.Remaining = maxInt(limit.MaxRequests-entry.Count, 0)
		info.ResetTime = entry.ResetAt
	}
	return info, nil
}

// startCleanup starts the cleanup goroutine to remove expired windows
func (rl *WindowRateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rl.config.CleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

func (rl *WindowRateLimiter) cleanup() {
	removed, err := rl.store.Sweep(context.Background(), rl.now())
	if err != nil {
		rl.logger.WithError(err).Warn("Rate limit cleanup failed")
		return
	}
	if removed > 0 {
		rl.logger.WithField("removed_windows", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop stops the rate limiter and cleanup goroutine
func (rl *WindowRateLimiter) Stop() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.stopped {
		return
	}

	rl.stopped = true
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}
	close(rl.stopCleanup)
}

// RateLimitMiddleware rate limits HTTP requests under the pseudo-tool name
func RateLimitMiddleware(rateLimiter RateLimiter, tool string, keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rateLimiter.Allow(r.Context(), RateLimitRequest{Identifier: key, Tool: tool})
			if err != nil {
				http.Error(w, "Rate limiting error", http.StatusInternalServerError)
				return
			}

			if result.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			}
			if !result.ResetTime.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message":     "Rate limit exceeded",
						"type":        "rate_limit_error",
						"retry_after": int(result.RetryAfter.Seconds()),
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKeyExtractor keys requests by the X-Client-ID header, falling back
// to the client IP
func ClientKeyExtractor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return "client:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the originating client address of r
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Helper functions

func toolKey(identifier, tool string) string {
	return "rate:" + normalizeIdentifier(identifier) + ":" + tool
}

func globalKey(identifier string) string {
	return "rate:" + normalizeIdentifier(identifier) + ":*"
}

func normalizeIdentifier(identifier string) string {
	if identifier == "" {
		return "anonymous"
	}
	return identifier
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
