package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/providers"
)

const messageResponse = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-3-5-haiku-20241022",
	"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "there"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 12, "output_tokens": 4}
}`

func createTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewAnthropicProvider(&AnthropicConfig{
		APIKey:  "sk-ant-test",
		BaseURL: srv.URL + "/",
		Model:   "claude-3-5-haiku-20241022",
	}, logger)
}

func TestAnthropicProvider_GetProviderName(t *testing.T) {
	provider := createTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	if name := provider.GetProviderName(); name != "anthropic" {
		t.Errorf("Expected provider name 'anthropic', got %s", name)
	}
}

func TestAnthropicProvider_Complete(t *testing.T) {
	var captured map[string]interface{}
	provider := createTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "sk-ant-test" {
			t.Errorf("Unexpected api key header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	})

	result, err := provider.Complete(context.Background(), &providers.CompletionCall{
		Model:     "claude-sonnet-4-20250514",
		System:    "be brief",
		Prompt:    "hi",
		MaxTokens: 200,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if result.Content != "hello there" {
		t.Errorf("Expected concatenated text blocks, got %q", result.Content)
	}
	if result.FinishReason != "end_turn" {
		t.Errorf("Expected stop reason end_turn, got %s", result.FinishReason)
	}
	if result.Usage.PromptTokens != 12 || result.Usage.CompletionTokens != 4 || result.Usage.TotalTokens != 16 {
		t.Errorf("Unexpected usage %+v", result.Usage)
	}

	if captured["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("Expected request model from call, got %v", captured["model"])
	}
	if captured["max_tokens"] != float64(200) {
		t.Errorf("Expected max_tokens 200, got %v", captured["max_tokens"])
	}
	system, _ := captured["system"].([]interface{})
	if len(system) != 1 {
		t.Errorf("Expected one system block, got %v", captured["system"])
	}
}

func TestAnthropicProvider_Complete_Defaults(t *testing.T) {
	var captured map[string]interface{}
	provider := createTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	})

	if _, err := provider.Complete(context.Background(), &providers.CompletionCall{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if captured["model"] != "claude-3-5-haiku-20241022" {
		t.Errorf("Expected configured model, got %v", captured["model"])
	}
	if captured["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("Expected default max tokens, got %v", captured["max_tokens"])
	}
	if _, ok := captured["system"]; ok {
		t.Error("Expected no system prompt")
	}
}

func TestAnthropicProvider_Complete_Error(t *testing.T) {
	provider := createTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	})

	if _, err := provider.Complete(context.Background(), &providers.CompletionCall{Prompt: "hi"}); err == nil {
		t.Error("Expected an error")
	}
}

func TestAnthropicProvider_HealthCheck(t *testing.T) {
	var maxTokens interface{}
	provider := createTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		maxTokens = body["max_tokens"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	})

	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Errorf("Expected healthy, got %v", err)
	}
	if maxTokens != float64(1) {
		t.Errorf("Expected a one-token probe, got %v", maxTokens)
	}
}
