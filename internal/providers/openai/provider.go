package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// DefaultMaxTokens caps completions that do not set a limit
const DefaultMaxTokens = 1024

// OpenAIProvider is a provider client backed by the OpenAI chat API
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return "openai"
}

// Complete runs a single-turn chat completion
func (p *OpenAIProvider) Complete(ctx context.Context, call *providers.CompletionCall) (*providers.CompletionResult, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	req := p.buildRequest(call)
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices for model %s", req.Model)
	}

	return &providers.CompletionResult{
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// HealthCheck performs a health check on the OpenAI API
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}

	p.logger.Debug("OpenAI health check passed")
	return nil
}

func (p *OpenAIProvider) buildRequest(call *providers.CompletionCall) openai.ChatCompletionRequest {
	model := call.Model
	if model == "" {
		model = p.config.Model
	}

	var messages []openai.ChatCompletionMessage
	if call.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: call.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: call.Prompt,
	})

	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if call.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}
