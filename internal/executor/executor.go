package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/security"
	"github.com/tributary-ai/llm-task-router/internal/state"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
)

// Handler performs a tool's side effect. It receives the caller's context
// unchanged; a timed-out handler is abandoned, not cancelled.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Config holds executor defaults
type Config struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// ExecuteOptions tune a single execution
type ExecuteOptions struct {
	// Identifier keys rate limits and quota, typically the calling agent
	Identifier     string
	SkipValidation bool
	Timeout        time.Duration
	Retry          bool
	MaxRetries     int
	EstimatedCost  float64
	// Context is echoed back in the result metadata
	Context map[string]interface{}
}

type registeredTool struct {
	spec    types.ToolSpecification
	schema  *CompiledSchema
	handler Handler
}

// Executor runs registered tools through validation, circuit breaking,
// rate limiting and retries
type Executor struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	toolNames []string

	config  Config
	store   state.Store
	breaker *CircuitBreaker
	limiter security.RateLimiter
	quota   security.QuotaChecker
	logger  *logrus.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor
type Option func(*Executor)

// WithStore sets the state store shared by the breaker
func WithStore(store state.Store) Option {
	return func(e *Executor) {
		e.store = store
	}
}

// WithRateLimiter installs the rate gate
func WithRateLimiter(limiter security.RateLimiter) Option {
	return func(e *Executor) {
		e.limiter = limiter
	}
}

// WithQuotaChecker installs the external quota callback
func WithQuotaChecker(quota security.QuotaChecker) Option {
	return func(e *Executor) {
		e.quota = quota
	}
}

// WithClock injects the clock used for durations and breaker timing
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithSleeper replaces the retry backoff wait
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// NewExecutor creates a new executor
func NewExecutor(config Config, logger *logrus.Logger, opts ...Option) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}

	e := &Executor{
		tools:     make(map[string]*registeredTool),
		toolNames: make([]string, 0),
		config:    config,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = state.NewMemoryStore()
	}
	e.breaker = NewCircuitBreaker(e.store, config.BreakerThreshold, config.BreakerCooldown, logger)
	e.breaker.now = e.now
	return e
}

// RegisterTool compiles the tool's schema and adds it to the registry
func (e *Executor) RegisterTool(spec types.ToolSpecification, handler Handler) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", spec.Name)
	}

	schema, err := CompileSchema(context.Background(), spec.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", spec.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	e.tools[spec.Name] = &registeredTool{spec: spec, schema: schema, handler: handler}
	e.toolNames = append(e.toolNames, spec.Name)

	e.logger.WithField("tool", spec.Name).Info("Tool registered")
	return nil
}

// LoadTools registers every spec with the handler resolve returns for it.
// Registration stops at the first error.
func (e *Executor) LoadTools(specs []types.ToolSpecification, resolve func(types.ToolSpecification) (Handler, error)) error {
	for _, spec := range specs {
		handler, err := resolve(spec)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.Name, err)
		}
		if err := e.RegisterTool(spec, handler); err != nil {
			return err
		}
	}
	return nil
}

// GetTool returns a registered tool's specification
func (e *Executor) GetTool(name string) (types.ToolSpecification, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tools[name]
	if !ok {
		return types.ToolSpecification{}, false
	}
	return t.spec, true
}

// ListTools returns registered specifications in registration order
func (e *Executor) ListTools() []types.ToolSpecification {
	e.mu.RLock()
	defer e.mu.RUnlock()

	specs := make([]types.ToolSpecification, 0, len(e.toolNames))
	for _, name := range e.toolNames {
		specs = append(specs, e.tools[name].spec)
	}
	return specs
}

// BreakerState returns the circuit breaker record of a tool
func (e *Executor) BreakerState(ctx context.Context, name string) (types.CircuitBreakerState, error) {
	return e.breaker.State(ctx, name)
}

// ResetBreaker force-closes a tool's circuit
func (e *Executor) ResetBreaker(ctx context.Context, name string) error {
	return e.breaker.Reset(ctx, name)
}

// Execute runs a tool. It never returns an error; failures are reported in
// the result with a kind and a typed Err.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, opts ExecuteOptions) *types.ToolResult {
	start := e.now()
	result := &types.ToolResult{
		ToolName: name,
		Metadata: map[string]interface{}{
			"execution_id": uuid.NewString(),
			"started_at":   start.UTC().Format(time.RFC3339Nano),
		},
	}
	if opts.Identifier != "" {
		result.Metadata["identifier"] = opts.Identifier
	}
	if len(opts.Context) > 0 {
		result.Metadata["context"] = opts.Context
	}

	finish := func(output interface{}, err *Error) *types.ToolResult {
		result.DurationMs = e.now().Sub(start).Milliseconds()
		result.Metadata["attempts"] = result.Attempts
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			result.ErrorKind = string(err.Kind)
			result.ValidationErrors = err.Violations
			result.Err = err
			if !err.ResetAt.IsZero() {
				result.Metadata["reset_at"] = err.ResetAt.UTC().Format(time.RFC3339Nano)
			}
			if !err.RetryAt.IsZero() {
				result.Metadata["retry_at"] = err.RetryAt.UTC().Format(time.RFC3339Nano)
			}
			return result
		}
		result.Success = true
		result.Output = output
		return result
	}

	e.mu.RLock()
	tool, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return finish(nil, newError(KindToolNotFound, name, "tool %s is not registered", name))
	}

	if err := e.checkCircuit(ctx, name); err != nil {
		return finish(nil, err)
	}

	if !opts.SkipValidation {
		violations, err := tool.schema.Validate(args)
		if err != nil {
			verr := newError(KindValidationFailed, name, "arguments for tool %s could not be validated", name)
			verr.Err = err
			return finish(nil, verr)
		}
		if len(violations) > 0 {
			verr := newError(KindValidationFailed, name, "arguments for tool %s do not match its input schema: %s",
				name, strings.Join(violations, "; "))
			verr.Violations = violations
			return finish(nil, verr)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = tool.timeout(e.config.DefaultTimeout)
	}
	result.Metadata["timeout_ms"] = timeout.Milliseconds()

	attempts := 1
	if opts.Retry {
		retries := opts.MaxRetries
		if retries <= 0 {
			retries = e.config.MaxRetries
		}
		attempts += retries
	}

	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.calculateBackoffDelay(attempt - 1)
			e.logger.WithFields(logrus.Fields{
				"tool":     name,
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying tool after backoff delay")

			if err := e.sleep(ctx, delay); err != nil {
				cerr := newError(KindExecutionFailed, name, "tool %s cancelled during retry backoff", name)
				cerr.Err = err
				return finish(nil, cerr)
			}
			if err := e.checkCircuit(ctx, name); err != nil {
				return finish(nil, err)
			}
		}

		if err := e.checkGate(ctx, name, opts); err != nil {
			return finish(nil, err)
		}

		result.Attempts++
		output, err := e.invoke(ctx, tool, args, timeout)
		// the outcome is recorded even when the caller has gone away;
		// abandonment through ctx counts as a failure
		if _, rerr := e.breaker.Record(context.WithoutCancel(ctx), name, err == nil); rerr != nil {
			e.logger.WithError(rerr).WithField("tool", name).Warn("Failed to record circuit outcome")
		}
		if err == nil {
			return finish(output, nil)
		}
		lastErr = err
	}

	return finish(nil, lastErr)
}

// checkCircuit fails fast when the tool's breaker is open
func (e *Executor) checkCircuit(ctx context.Context, name string) *Error {
	s, allowed, err := e.breaker.Allow(ctx, name)
	if err != nil {
		serr := newError(KindExecutionFailed, name, "circuit state for tool %s unavailable", name)
		serr.Err = err
		return serr
	}
	if !allowed {
		cerr := newError(KindCircuitOpen, name, "circuit for tool %s is open until %s",
			name, s.NextAttemptAt.UTC().Format(time.RFC3339))
		cerr.RetryAt = s.NextAttemptAt
		return cerr
	}
	return nil
}

// checkGate consumes a rate slot and then consults the quota callback. A
// quota denial keeps the rate slot it was admitted with, since neither the
// limiter nor an external quota service can take a charge back.
func (e *Executor) checkGate(ctx context.Context, name string, opts ExecuteOptions) *Error {
	if e.limiter != nil {
		res, err := e.limiter.Allow(ctx, security.RateLimitRequest{
			Identifier: opts.Identifier,
			Tool:       name,
			Cost:       opts.EstimatedCost,
		})
		if err != nil {
			gerr := newError(KindExecutionFailed, name, "rate limit check for tool %s failed", name)
			gerr.Err = err
			return gerr
		}
		if !res.Allowed {
			rerr := newError(KindRateLimitExceeded, name, "rate limit exceeded for tool %s (%s scope), resets at %s",
				name, res.Scope, res.ResetTime.UTC().Format(time.RFC3339))
			rerr.ResetAt = res.ResetTime
			return rerr
		}
	}

	if e.quota != nil {
		decision, err := e.quota.CheckQuota(ctx, opts.Identifier, name, opts.EstimatedCost)
		if err != nil {
			gerr := newError(KindExecutionFailed, name, "quota check for tool %s failed", name)
			gerr.Err = err
			return gerr
		}
		if !decision.Allowed {
			return &Error{Kind: KindQuotaDenied, Tool: name, Message: decision.Reason}
		}
	}
	return nil
}

type invocation struct {
	output interface{}
	err    error
}

// invoke races the handler against the timeout. The handler goroutine is
// left to finish on its own when it loses.
func (e *Executor) invoke(ctx context.Context, tool *registeredTool, args map[string]interface{}, timeout time.Duration) (interface{}, *Error) {
	name := tool.spec.Name
	done := make(chan invocation, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		output, err := tool.handler(ctx, args)
		done <- invocation{output: output, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			ferr := newError(KindExecutionFailed, name, "tool %s failed", name)
			ferr.Err = res.err
			return nil, ferr
		}
		return res.output, nil
	case <-timer.C:
		return nil, newError(KindExecutionTimeout, name, "tool %s timed out after %s", name, timeout)
	case <-ctx.Done():
		cerr := newError(KindExecutionFailed, name, "tool %s cancelled", name)
		cerr.Err = ctx.Err()
		return nil, cerr
	}
}

// calculateBackoffDelay returns base * 2^attempt, capped at RetryMaxDelay
func (e *Executor) calculateBackoffDelay(attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(e.config.RetryBaseDelay) * multiplier)

	if e.config.RetryMaxDelay > 0 && delay > e.config.RetryMaxDelay {
		delay = e.config.RetryMaxDelay
	}
	return delay
}

func (t *registeredTool) timeout(fallback time.Duration) time.Duration {
	if t.spec.Endpoint != nil && t.spec.Endpoint.Timeout > 0 {
		return t.spec.Endpoint.Timeout
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsKind reports whether err is an executor error of kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
