package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

// AuditEventType represents the kinds of audited activity
type AuditEventType string

const (
	ToolExecuted      AuditEventType = "tool_executed"
	ToolFailed        AuditEventType = "tool_failed"
	ToolRejected      AuditEventType = "tool_rejected"
	RoutingDecided    AuditEventType = "routing_decided"
	RoutingFailed     AuditEventType = "routing_failed"
	RateLimitExceeded AuditEventType = "rate_limit_exceeded"
	ValidationFailure AuditEventType = "validation_failure"
	RequestHandled    AuditEventType = "request_handled"
)

// AuditEvent represents one audit record
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Identifier string                 `json:"identifier,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Action     string                 `json:"action,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	Source     string                 `json:"source"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	IncludeHeaders  bool          `yaml:"include_headers"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditLogger buffers audit events and writes them to the structured log
// from a background goroutine
type AuditLogger struct {
	config     *AuditConfig
	logger     *logrus.Logger
	buffer     chan *AuditEvent
	stopChan   chan bool
	wg         sync.WaitGroup
	eventCount int64
	dropped    int64
	mu         sync.RWMutex
	stopped    bool
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientIPKey  contextKey = "client_ip"
)

// WithRequestID attaches a request ID for audit correlation
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID attached by WithRequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	auditor := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan bool),
	}

	if config.Enabled {
		auditor.start()
	}

	return auditor
}

// LogEvent queues an audit event. Events are dropped when the buffer is full.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.log(ctx, &AuditEvent{EventType: eventType, Message: message, Details: details})
}

// LogToolResult records the outcome of a tool execution on behalf of identifier
func (a *AuditLogger) LogToolResult(ctx context.Context, identifier string, result *types.ToolResult) {
	eventType := ToolExecuted
	message := fmt.Sprintf("Tool %s succeeded in %dms", result.ToolName, result.DurationMs)
	if !result.Success {
		eventType = ToolFailed
		switch result.ErrorKind {
		case "rate_limit_exceeded":
			eventType = RateLimitExceeded
		case "validation_failed":
			eventType = ValidationFailure
		case "tool_not_found", "circuit_open", "quota_denied":
			eventType = ToolRejected
		}
		message = fmt.Sprintf("Tool %s failed (%s): %s", result.ToolName, result.ErrorKind, result.Error)
	}

	details := map[string]interface{}{
		"duration_ms": result.DurationMs,
		"attempts":    result.Attempts,
	}
	if result.ErrorKind != "" {
		details["error_kind"] = result.ErrorKind
	}
	if len(result.ValidationErrors) > 0 {
		details["validation_errors"] = result.ValidationErrors
	}
	if id, ok := result.Metadata["execution_id"]; ok {
		details["execution_id"] = id
	}

	a.log(ctx, &AuditEvent{
		EventType:  eventType,
		Identifier: identifier,
		Resource:   result.ToolName,
		Action:     "execute",
		Message:    message,
		Details:    details,
	})
}

// LogRoutingDecision records a routing outcome
func (a *AuditLogger) LogRoutingDecision(ctx context.Context, decisionID, provider string, taskType types.TaskType, err error) {
	event := &AuditEvent{
		EventType: RoutingDecided,
		Resource:  provider,
		Action:    "route",
		Message:   fmt.Sprintf("Routed %s task to %s", taskType, provider),
		Details: map[string]interface{}{
			"decision_id": decisionID,
			"task_type":   taskType,
		},
	}
	if err != nil {
		event.EventType = RoutingFailed
		event.Message = fmt.Sprintf("Routing %s task failed: %v", taskType, err)
	}
	a.log(ctx, event)
}

// AuditMiddleware records every HTTP request
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrapper := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			ctx := r.Context()
			if RequestIDFromContext(ctx) == "" {
				ctx = WithRequestID(ctx, uuid.NewString())
			}
			ctx = context.WithValue(ctx, clientIPKey, ClientIP(r))

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			details := map[string]interface{}{
				"method":      r.Method,
				"url":         r.URL.String(),
				"status_code": wrapper.statusCode,
				"duration_ms": time.Since(startTime).Milliseconds(),
				"user_agent":  r.UserAgent(),
			}

			if a.config.IncludeHeaders {
				headers := make(map[string]string)
				for key, values := range r.Header {
					if !a.isSensitiveField(key) {
						headers[key] = strings.Join(values, ", ")
					}
				}
				details["request_headers"] = headers
			}

			eventType := RequestHandled
			switch {
			case wrapper.statusCode == http.StatusTooManyRequests:
				eventType = RateLimitExceeded
			case wrapper.statusCode == http.StatusBadRequest:
				eventType = ValidationFailure
			}

			a.log(ctx, &AuditEvent{
				EventType:  eventType,
				StatusCode: wrapper.statusCode,
				Resource:   r.URL.Path,
				Action:     r.Method,
				Message:    fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, wrapper.statusCode),
				Details:    details,
			})
		})
	}
}

// GetEventCount returns the number of events accepted into the buffer
func (a *AuditLogger) GetEventCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventCount
}

// GetDroppedCount returns the number of events dropped on a full buffer
func (a *AuditLogger) GetDroppedCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Stop flushes pending events and stops the background writer
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.config.Enabled || a.stopped {
		return
	}

	a.stopped = true
	close(a.stopChan)
	a.wg.Wait()
	close(a.buffer)

	for event := range a.buffer {
		a.writeEvent(event)
	}
}

// Private methods

func (a *AuditLogger) log(ctx context.Context, event *AuditEvent) {
	a.mu.RLock()
	enabled := a.config.Enabled
	stopped := a.stopped
	a.mu.RUnlock()

	if !enabled || stopped {
		return
	}

	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	event.Details = a.sanitizeDetails(event.Details)
	event.Severity = a.getSeverity(event.EventType)
	event.Source = "llm-task-router"
	event.RequestID = RequestIDFromContext(ctx)
	if clientIP, ok := ctx.Value(clientIPKey).(string); ok {
		event.IPAddress = clientIP
	}

	select {
	case a.buffer <- event:
		a.mu.Lock()
		a.eventCount++
		a.mu.Unlock()
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

func (a *AuditLogger) start() {
	a.wg.Add(1)
	go a.eventProcessor()
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, a.config.BatchSize)

	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)
			if len(events) >= a.config.BatchSize {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-a.stopChan:
			if len(events) > 0 {
				a.flushEvents(events)
			}
			return
		}
	}
}

func (a *AuditLogger) flushEvents(events []*AuditEvent) {
	for _, event := range events {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"identifier":  event.Identifier,
		"ip_address":  event.IPAddress,
		"resource":    event.Resource,
		"action":      event.Action,
		"status_code": event.StatusCode,
		"severity":    event.Severity,
		"request_id":  event.RequestID,
		"timestamp":   event.Timestamp,
	}

	for key, value := range event.Details {
		fields[fmt.Sprintf("detail_%s", key)] = value
	}

	entry := a.logger.WithFields(fields)

	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(details))
	for key, value := range details {
		if a.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}

	return sanitized
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)

	defaultSensitive := []string{
		"password", "token", "secret", "api_key", "api-key", "credential",
		"authorization", "bearer",
	}
	for _, sensitive := range defaultSensitive {
		if strings.Contains(fieldLower, sensitive) {
			return true
		}
	}

	for _, sensitive := range a.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}

	return false
}

func (a *AuditLogger) getSeverity(eventType AuditEventType) string {
	switch eventType {
	case ToolFailed, RoutingFailed:
		return "high"
	case ToolRejected, RateLimitExceeded, ValidationFailure, ToolExecuted, RoutingDecided:
		return "medium"
	default:
		return "low"
	}
}

// Helper types

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
