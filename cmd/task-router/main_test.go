package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-task-router/internal/config"
	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRouteCommand(t *testing.T) {
	out, err := run(t, "route", "--task", "code_review", "--vision")
	require.NoError(t, err, out)

	var decision struct {
		SelectedProvider  string   `json:"selected_provider"`
		FallbackProviders []string `json:"fallback_providers"`
		TaskType          string   `json:"task_type"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	assert.Equal(t, "code_review", decision.TaskType)
	// three default providers support vision
	assert.Contains(t, []string{"openai/gpt-4o", "openai/gpt-4o-mini", "anthropic/claude-sonnet-4"}, decision.SelectedProvider)
	assert.Len(t, decision.FallbackProviders, 2)
}

func TestRouteCommand_BudgetTooSmall(t *testing.T) {
	_, err := run(t, "route", "--budget", "0.0000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cost budget")
}

func TestToolsValidateCommand(t *testing.T) {
	good := writeFile(t, "tools.yaml", `
tools:
  - name: echo
  - name: search
    endpoint:
      url: https://example.com/search
    input_schema:
      type: object
      properties:
        q:
          type: string
`)
	out, err := run(t, "tools", "validate", "--file", good)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ok    echo (builtin)")
	assert.Contains(t, out, "ok    search (POST https://example.com/search)")

	bad := writeFile(t, "bad.yaml", `
tools:
  - name: broken
    input_schema:
      type: nonsense
`)
	out, err = run(t, "tools", "validate", "--file", bad)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL  broken")
}

func TestConfigWriteCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	_, err := run(t, "config", "write", "--out", path)
	require.NoError(t, err)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Router.Providers, 4)
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json stdout", config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}, false},
		{"text stderr", config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}, false},
		{"file", config.LoggingConfig{Level: "info", Format: "json", Output: filepath.Join(t.TempDir(), "app.log")}, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json", Output: "stdout"}, true},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := setupLogger(logrus.New(), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildRouter_RequiresCredentials(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Providers.OpenAI.APIKey = ""
	cfg.Providers.Anthropic.APIKey = ""

	_, err = buildRouter(cfg, logger, true)
	assert.Error(t, err)

	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	router, err := buildRouter(cfg, logger, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic/claude-sonnet-4", "anthropic/claude-3-5-haiku"}, router.ListProviders())

	_, client, ok := router.GetProvider("anthropic/claude-3-5-haiku")
	require.True(t, ok)
	assert.Equal(t, "anthropic", client.GetProviderName())
}

func TestNewApplication(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Tools.File = writeFile(t, "tools.yaml", `
tools:
  - name: echo
    input_schema:
      type: object
      required: [text]
`)
	cfg.Executor.Quota.DefaultLimit = 1

	app, err := NewApplication(cfg, "", logger)
	require.NoError(t, err)
	defer app.limiter.Stop()
	defer app.server.Stop(context.Background())

	specs := app.executor.ListTools()
	require.Len(t, specs, 1)
	assert.Equal(t, "echo", specs[0].Name)

	result := app.executor.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"},
		executor.ExecuteOptions{Identifier: "agent-1", EstimatedCost: 0.5})
	assert.True(t, result.Success, result.Error)

	result = app.executor.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"},
		executor.ExecuteOptions{Identifier: "agent-1", EstimatedCost: 0.75})
	assert.False(t, result.Success)
	assert.Equal(t, "quota_denied", result.ErrorKind)

	_, err = app.router.SelectProvider(&types.RoutingRequest{})
	assert.NoError(t, err)
}
