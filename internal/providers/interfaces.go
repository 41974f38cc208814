package providers

import (
	"context"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

// CompletionCall is a single-turn request handed to a provider client
type CompletionCall struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	JSONMode  bool
}

// CompletionResult is what a provider client returns
type CompletionResult struct {
	Model        string
	Content      string
	FinishReason string
	Usage        types.Usage
}

// Client is the opaque handle a router stores per provider. The router
// never calls it; the host does after a routing decision.
type Client interface {
	GetProviderName() string
	Complete(ctx context.Context, call *CompletionCall) (*CompletionResult, error)
	HealthCheck(ctx context.Context) error
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, call *CompletionCall) (*CompletionResult, error)

// GetProviderName implements Client
func (f ClientFunc) GetProviderName() string {
	return "func"
}

// Complete implements Client
func (f ClientFunc) Complete(ctx context.Context, call *CompletionCall) (*CompletionResult, error) {
	return f(ctx, call)
}

// HealthCheck implements Client
func (f ClientFunc) HealthCheck(ctx context.Context) error {
	return nil
}
