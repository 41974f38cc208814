package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

func newTestAuditor(t *testing.T, config *AuditConfig) (*AuditLogger, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewAuditLogger(config, logger), hook
}

func auditEntries(hook *test.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Data["audit_event"] == true {
			out = append(out, entry)
		}
	}
	return out
}

func TestNewAuditLogger_WithDefaults(t *testing.T) {
	config := &AuditConfig{Enabled: true}
	auditor, _ := newTestAuditor(t, config)
	defer auditor.Stop()

	assert.Equal(t, 1000, auditor.config.BufferSize)
	assert.Equal(t, 10*time.Second, auditor.config.FlushInterval)
	assert.Equal(t, 100, auditor.config.BatchSize)
}

func TestAuditLogger_Disabled(t *testing.T) {
	auditor, hook := newTestAuditor(t, &AuditConfig{Enabled: false})

	auditor.LogEvent(context.Background(), ToolExecuted, "ignored", nil)
	auditor.Stop()

	assert.Equal(t, int64(0), auditor.GetEventCount())
	assert.Empty(t, auditEntries(hook))
}

func TestAuditLogger_LogToolResult(t *testing.T) {
	auditor, hook := newTestAuditor(t, &AuditConfig{Enabled: true, FlushInterval: time.Hour})
	ctx := WithRequestID(context.Background(), "req-42")

	auditor.LogToolResult(ctx, "planner", &types.ToolResult{
		ToolName:   "search",
		Success:    true,
		DurationMs: 12,
		Attempts:   1,
		Metadata:   map[string]interface{}{"execution_id": "exec-1"},
	})
	auditor.LogToolResult(ctx, "planner", &types.ToolResult{
		ToolName:         "search",
		Success:          false,
		ErrorKind:        "validation_failed",
		Error:            "arguments do not match schema",
		ValidationErrors: []string{"/query: property \"query\" is missing"},
	})
	auditor.Stop()

	entries := auditEntries(hook)
	require.Len(t, entries, 2)

	assert.Equal(t, ToolExecuted, entries[0].Data["event_type"])
	assert.Equal(t, "req-42", entries[0].Data["request_id"])
	assert.Equal(t, "planner", entries[0].Data["identifier"])
	assert.Equal(t, "exec-1", entries[0].Data["detail_execution_id"])

	assert.Equal(t, ValidationFailure, entries[1].Data["event_type"])
	assert.Equal(t, "validation_failed", entries[1].Data["detail_error_kind"])
	assert.Equal(t, int64(2), auditor.GetEventCount())
}

func TestAuditLogger_LogRoutingDecision(t *testing.T) {
	auditor, hook := newTestAuditor(t, &AuditConfig{Enabled: true})

	auditor.LogRoutingDecision(context.Background(), "d-1", "openai/gpt-4o", types.TaskChat, nil)
	auditor.LogRoutingDecision(context.Background(), "", "", types.TaskPlanning, errors.New("no provider available"))
	auditor.Stop()

	entries := auditEntries(hook)
	require.Len(t, entries, 2)
	assert.Equal(t, RoutingDecided, entries[0].Data["event_type"])
	assert.Equal(t, "openai/gpt-4o", entries[0].Data["resource"])
	assert.Equal(t, RoutingFailed, entries[1].Data["event_type"])
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
}

func TestAuditLogger_SanitizesDetails(t *testing.T) {
	auditor, hook := newTestAuditor(t, &AuditConfig{Enabled: true, SensitiveFields: []string{"ssn"}})

	auditor.LogEvent(context.Background(), ToolExecuted, "with secrets", map[string]interface{}{
		"api_key": "sk-123",
		"ssn":     "000-00-0000",
		"query":   "weather",
	})
	auditor.Stop()

	entries := auditEntries(hook)
	require.Len(t, entries, 1)
	assert.Equal(t, "***REDACTED***", entries[0].Data["detail_api_key"])
	assert.Equal(t, "***REDACTED***", entries[0].Data["detail_ssn"])
	assert.Equal(t, "weather", entries[0].Data["detail_query"])
}

func TestAuditLogger_BufferFull(t *testing.T) {
	logger, _ := test.NewNullLogger()
	auditor := &AuditLogger{
		config:   &AuditConfig{Enabled: true, BufferSize: 1},
		logger:   logger,
		buffer:   make(chan *AuditEvent, 1),
		stopChan: make(chan bool),
	}

	// no processor is running, so the second event cannot be queued
	auditor.LogEvent(context.Background(), ToolExecuted, "first", nil)
	auditor.LogEvent(context.Background(), ToolExecuted, "second", nil)

	assert.Equal(t, int64(1), auditor.GetEventCount())
	assert.Equal(t, int64(1), auditor.GetDroppedCount())
}

func TestAuditLogger_AuditMiddleware(t *testing.T) {
	auditor, hook := newTestAuditor(t, &AuditConfig{Enabled: true, IncludeHeaders: true})

	var seenRequestID string
	handler := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/search/execute", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Client-ID", "planner")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	auditor.Stop()

	assert.NotEmpty(t, seenRequestID)

	entries := auditEntries(hook)
	require.Len(t, entries, 1)
	assert.Equal(t, RateLimitExceeded, entries[0].Data["event_type"])
	assert.Equal(t, seenRequestID, entries[0].Data["request_id"])

	headers, ok := entries[0].Data["detail_request_headers"].(map[string]string)
	require.True(t, ok)
	assert.NotContains(t, headers, "Authorization")
	assert.Equal(t, "planner", headers["X-Client-Id"])
}
