package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/providers/openai"
	"github.com/tributary-ai/llm-task-router/internal/routing"
	"github.com/tributary-ai/llm-task-router/internal/security"
	"github.com/tributary-ai/llm-task-router/internal/server"
	"github.com/tributary-ai/llm-task-router/internal/state"
	"github.com/tributary-ai/llm-task-router/internal/tools"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise during tests
	return logger
}

func descriptor(name string, priceIn, priceOut float64) types.CapabilityDescriptor {
	return types.CapabilityDescriptor{
		Name:               name,
		MaxContextTokens:   128000,
		PricePerMillionIn:  priceIn,
		PricePerMillionOut: priceOut,
	}
}

func TestExecutor_RejectsArgumentsMissingRequiredField(t *testing.T) {
	exec := executor.NewExecutor(executor.Config{}, testLogger())

	var invoked int32
	err := exec.RegisterTool(types.ToolSpecification{
		Name: "create_article",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"title", "body"},
			"properties": map[string]interface{}{
				"title": map[string]interface{}{"type": "string"},
				"body":  map[string]interface{}{"type": "string"},
			},
		},
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&invoked, 1)
		return "created", nil
	})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := exec.Execute(context.Background(), "create_article", map[string]interface{}{"title": "x"}, executor.ExecuteOptions{})

	if result.Success {
		t.Fatal("Expected validation failure")
	}
	if result.ErrorKind != string(executor.KindValidationFailed) {
		t.Errorf("Expected kind %s, got %s", executor.KindValidationFailed, result.ErrorKind)
	}
	if !strings.Contains(strings.Join(result.ValidationErrors, "\n"), "body") {
		t.Errorf("Expected a complaint about body, got %v", result.ValidationErrors)
	}
	if n := atomic.LoadInt32(&invoked); n != 0 {
		t.Errorf("Handler should not run on invalid arguments, ran %d times", n)
	}
	if !errors.Is(result.Err, executor.ErrValidationFailed) {
		t.Errorf("Expected typed validation error, got %v", result.Err)
	}
}

func TestRouter_BudgetExcludesOnlyProvider(t *testing.T) {
	router := routing.NewRouter(testLogger())
	d := descriptor("acme/model", 1, 2)
	if err := router.RegisterProvider(d, nil); err != nil {
		t.Fatalf("RegisterProvider failed: %v", err)
	}

	budget := 0.0001
	estimate := router.CostPredictor().PredictCost(d, &budget, 0, 0)
	if estimate.WithinBudget {
		t.Errorf("Expected cost %.6f to exceed budget %.6f", estimate.ExpectedCost, budget)
	}
	if math.Abs(estimate.ExpectedCost-0.002) > 1e-12 {
		t.Errorf("Expected default estimate 0.002, got %.6f", estimate.ExpectedCost)
	}

	_, err := router.SelectProvider(&types.RoutingRequest{CostBudget: &budget})
	if !errors.Is(err, routing.ErrNoProviderPassedScoring) {
		t.Errorf("Expected ErrNoProviderPassedScoring, got %v", err)
	}
}

func TestRouter_PreferredProviderWinsByFivePoints(t *testing.T) {
	router := routing.NewRouter(testLogger())
	for _, name := range []string{"acme/first", "acme/second"} {
		if err := router.RegisterProvider(descriptor(name, 1, 2), nil); err != nil {
			t.Fatalf("RegisterProvider failed: %v", err)
		}
	}
	if err := router.SetPolicy(types.TaskCodeReview, types.RoutingPolicy{
		PreferredProviders: []string{"acme/second"},
	}); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}

	decision, err := router.SelectProvider(&types.RoutingRequest{TaskType: types.TaskCodeReview})
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}

	if decision.SelectedProvider != "acme/second" {
		t.Fatalf("Expected preferred provider, got %s", decision.SelectedProvider)
	}
	if len(decision.Scores) != 2 {
		t.Fatalf("Expected 2 scores, got %d", len(decision.Scores))
	}
	if diff := decision.Scores[0].Score - decision.Scores[1].Score; math.Abs(diff-routing.PreferenceBonus) > 1e-9 {
		t.Errorf("Expected a %.0f point margin, got %.6f", routing.PreferenceBonus, diff)
	}

	// other task types are unaffected and tie-break by registration order
	decision, err = router.SelectProvider(&types.RoutingRequest{TaskType: types.TaskPlanning})
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if decision.SelectedProvider != "acme/first" {
		t.Errorf("Expected first registered provider, got %s", decision.SelectedProvider)
	}
}

func TestRouter_OutcomesShiftSelection(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	router := routing.NewRouter(testLogger(), routing.WithClock(func() time.Time { return now }))
	for _, name := range []string{"acme/first", "globex/second"} {
		if err := router.RegisterProvider(descriptor(name, 1, 2), nil); err != nil {
			t.Fatalf("RegisterProvider failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		router.RecordOutcome(types.PerformanceMetric{Provider: "acme/first", TaskType: types.TaskChat, Success: false, Timestamp: now})
		router.RecordOutcome(types.PerformanceMetric{Provider: "globex/second", TaskType: types.TaskChat, Success: true, Timestamp: now})
	}

	decision, err := router.SelectProvider(&types.RoutingRequest{TaskType: types.TaskChat})
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if decision.SelectedProvider != "globex/second" {
		t.Errorf("Expected the successful provider, got %s", decision.SelectedProvider)
	}
	if len(decision.FallbackProviders) != 1 || decision.FallbackProviders[0] != "acme/first" {
		t.Errorf("Expected acme/first as fallback, got %v", decision.FallbackProviders)
	}
}

// TestServer_EndToEnd drives the HTTP surface against a real OpenAI client
// pointed at a stub and an HTTP tool pointed at a stub endpoint.
func TestServer_EndToEnd(t *testing.T) {
	logger := testLogger()

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":%q,"choices":[{"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2000,"completion_tokens":1000,"total_tokens":3000}}`, body.Model)
	}))
	defer llm.Close()

	var toolCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&toolCalls, 1)
		var args map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&args)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 7, "title": args["title"]})
	}))
	defer upstream.Close()

	router := routing.NewRouter(logger)
	client := openai.NewOpenAIProvider(&openai.OpenAIConfig{APIKey: "sk-test", BaseURL: llm.URL + "/v1"}, logger)
	d := descriptor("openai/gpt-4o-mini", 0.15, 0.6)
	d.Model = "gpt-4o-mini"
	if err := router.RegisterProvider(d, client); err != nil {
		t.Fatalf("RegisterProvider failed: %v", err)
	}

	specs, err := tools.ParseSpecs([]byte(fmt.Sprintf(`
tools:
  - name: create_article
    endpoint:
      url: %s/articles
    input_schema:
      type: object
      required: [title, body]
      properties:
        title: {type: string}
        body: {type: string}
`, upstream.URL)))
	if err != nil {
		t.Fatalf("ParseSpecs failed: %v", err)
	}

	store := state.NewMemoryStore()
	limiter := security.NewWindowRateLimiter(&security.RateLimitConfig{
		Enabled: true,
		Tools:   map[string]state.WindowLimit{"create_article": {MaxRequests: 2, Window: time.Minute}},
	}, store, logger)
	defer limiter.Stop()

	exec := executor.NewExecutor(executor.Config{}, logger, executor.WithStore(store), executor.WithRateLimiter(limiter))
	resolver := tools.NewResolver(tools.Builtins(), upstream.Client(), logger)
	if err := exec.LoadTools(specs, resolver.Resolve); err != nil {
		t.Fatalf("LoadTools failed: %v", err)
	}

	srv, err := server.NewServer(router, exec, &server.ServerConfig{
		Port:             "0",
		MaxRequestBytes:  1 << 20,
		ValidateRequests: true,
		Audit:            &security.AuditConfig{Enabled: true},
	}, logger, server.WithRateLimiter(limiter))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Stop(context.Background())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	post := func(path string, body interface{}) (*http.Response, map[string]interface{}) {
		t.Helper()
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", ts.URL+path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Client-ID", "agent-7")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		var out map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	// completion through the routed provider
	resp, body := post("/v1/complete", map[string]interface{}{"prompt": "write it"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from /v1/complete, got %d: %v", resp.StatusCode, body)
	}
	if body["content"] != "done" || body["model"] != "gpt-4o-mini" {
		t.Errorf("Unexpected completion %v", body)
	}
	if cost, _ := body["cost"].(float64); math.Abs(cost-0.0009) > 1e-12 {
		t.Errorf("Expected actual cost 0.0009, got %v", body["cost"])
	}
	if stats := router.Tracker().Stats("openai/gpt-4o-mini"); stats.Samples != 1 || stats.WinRate != 1 {
		t.Errorf("Expected one successful outcome, got %+v", stats)
	}

	// invalid arguments never reach the endpoint
	resp, body = post("/v1/tools/create_article/execute", map[string]interface{}{
		"arguments": map[string]interface{}{"title": "x"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d: %v", resp.StatusCode, body)
	}
	if n := atomic.LoadInt32(&toolCalls); n != 0 {
		t.Errorf("Endpoint should not be called, called %d times", n)
	}

	// valid arguments are forwarded and the output decoded
	resp, body = post("/v1/tools/create_article/execute", map[string]interface{}{
		"arguments": map[string]interface{}{"title": "x", "body": "y"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", resp.StatusCode, body)
	}
	output, _ := body["output"].(map[string]interface{})
	if output["title"] != "x" || output["id"] != float64(7) {
		t.Errorf("Unexpected tool output %v", body["output"])
	}

	// the validation failure did not consume a slot, so one remains
	resp, _ = post("/v1/tools/create_article/execute", map[string]interface{}{
		"arguments": map[string]interface{}{"title": "x", "body": "y"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected second call within the limit, got %d", resp.StatusCode)
	}
	resp, body = post("/v1/tools/create_article/execute", map[string]interface{}{
		"arguments": map[string]interface{}{"title": "x", "body": "y"},
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after the limit, got %d: %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Expected Retry-After on a rate limited call")
	}
	if body["error_kind"] != string(executor.KindRateLimitExceeded) {
		t.Errorf("Expected rate limit kind, got %v", body["error_kind"])
	}
	if n := atomic.LoadInt32(&toolCalls); n != 2 {
		t.Errorf("Expected 2 endpoint calls, got %d", n)
	}
}

func TestProviderClientFunc_SatisfiesClient(t *testing.T) {
	var c providers.Client = providers.ClientFunc(func(ctx context.Context, call *providers.CompletionCall) (*providers.CompletionResult, error) {
		return &providers.CompletionResult{Content: call.Prompt}, nil
	})
	res, err := c.Complete(context.Background(), &providers.CompletionCall{Prompt: "p"})
	if err != nil || res.Content != "p" {
		t.Errorf("Unexpected result %v, %v", res, err)
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("Expected healthy, got %v", err)
	}
}
