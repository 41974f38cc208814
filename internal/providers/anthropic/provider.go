package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// DefaultMaxTokens is sent when a call sets no limit; the Messages API
// requires one.
const DefaultMaxTokens = 1024

// AnthropicProvider is a provider client backed by the Anthropic Messages API
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *AnthropicProvider) GetProviderName() string {
	return "anthropic"
}

// Complete sends a single user message and concatenates the text blocks of
// the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, call *providers.CompletionCall) (*providers.CompletionResult, error) {
	params := p.buildParams(call)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).WithField("model", params.Model).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.CompletionResult{
		Model:        string(resp.Model),
		Content:      text.String(),
		FinishReason: string(resp.StopReason),
		Usage: types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// HealthCheck performs a health check on the Anthropic API
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, p.buildParams(&providers.CompletionCall{
		Prompt:    "ping",
		MaxTokens: 1,
	}))
	if err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}

func (p *AnthropicProvider) buildParams(call *providers.CompletionCall) anthropic.MessageNewParams {
	model := call.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
		MaxTokens: int64(maxTokens),
	}
	if call.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: call.System, Type: "text"},
		}
	}
	return params
}
