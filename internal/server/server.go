package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/middleware"
	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/routing"
	"github.com/tributary-ai/llm-task-router/internal/security"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

const healthCheckTimeout = 5 * time.Second

// Server represents the HTTP server
type Server struct {
	router             *routing.Router
	executor           *executor.Executor
	limiter            security.RateLimiter
	logger             *logrus.Logger
	config             *ServerConfig
	httpServer         *http.Server
	securityMiddleware *middleware.SecurityMiddleware
	now                func() time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxHeaderBytes   int
	MaxRequestBytes  int64
	ValidateRequests bool
	Audit            *security.AuditConfig
}

// Option configures a Server
type Option func(*Server)

// WithRateLimiter limits /v1/route and /v1/complete per client
func WithRateLimiter(limiter security.RateLimiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithClock injects the clock used for provider latencies
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a new server instance
func NewServer(router *routing.Router, exec *executor.Executor, config *ServerConfig, logger *logrus.Logger, opts ...Option) (*Server, error) {
	server := &Server{
		router:   router,
		executor: exec,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(server)
	}

	securityMiddleware, err := middleware.NewSecurityMiddleware(&middleware.SecurityMiddlewareConfig{
		Audit: config.Audit,
		Validation: &middleware.ValidationConfig{
			Enabled: config.ValidateRequests,
			Spec:    OpenAPISpec(),
		},
		MaxRequestBytes: config.MaxRequestBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize middleware: %w", err)
	}
	server.securityMiddleware = securityMiddleware

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting task router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping task router server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.securityMiddleware.Stop()
	return err
}

// Handler returns the fully wired route tree
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.securityMiddleware.Handler())
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	// Routing endpoints
	api.Handle("/route", s.limited("http:route", s.handleRoute)).Methods("POST")
	api.Handle("/complete", s.limited("http:complete", s.handleComplete)).Methods("POST")
	api.HandleFunc("/outcomes", s.handleRecordOutcome).Methods("POST")
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{name:.+}", s.handleGetProvider).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Tool endpoints
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")
	api.HandleFunc("/tools/{name}/execute", s.handleExecuteTool).Methods("POST")
	api.HandleFunc("/tools/{name}/circuit", s.handleGetCircuit).Methods("GET")
	api.HandleFunc("/tools/{name}/circuit", s.handleResetCircuit).Methods("DELETE")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	s.setupSwaggerRoutes(r)

	return r
}

func (s *Server) limited(name string, h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return security.RateLimitMiddleware(s.limiter, name, security.ClientKeyExtractor)(h)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  security.RequestIDFromContext(r.Context()),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Routing handlers

// handleRoute returns a routing decision without calling the provider
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.selectProvider(r.Context(), &req)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

type outcomeRequest struct {
	Provider     string         `json:"provider"`
	TaskType     types.TaskType `json:"task_type"`
	Success      bool           `json:"success"`
	LatencyMs    int64          `json:"latency_ms"`
	Cost         float64        `json:"cost"`
	QualityScore *float64       `json:"quality_score,omitempty"`
}

// handleRecordOutcome feeds an externally observed outcome to the tracker
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if _, _, ok := s.router.GetProvider(req.Provider); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", req.Provider))
		return
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = types.TaskGeneral
	}
	s.router.RecordOutcome(types.PerformanceMetric{
		Provider:     req.Provider,
		TaskType:     taskType,
		Success:      req.Success,
		Latency:      time.Duration(req.LatencyMs) * time.Millisecond,
		Cost:         req.Cost,
		QualityScore: req.QualityScore,
	})

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"recorded": true,
		"stats":    s.router.Tracker().Stats(req.Provider),
	})
}

// handleComplete routes the prompt, then calls the selected provider and
// its fallbacks in order until one succeeds. Every attempt is recorded.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.selectProvider(r.Context(), &req.Routing)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	taskType := types.TaskType(decision.TaskType)
	candidates := append([]string{decision.SelectedProvider}, decision.FallbackProviders...)
	var (
		attempted []string
		lastErr   error
	)

	for _, name := range candidates {
		descriptor, client, ok := s.router.GetProvider(name)
		if !ok || client == nil {
			continue
		}
		attempted = append(attempted, name)

		start := s.now()
		result, err := client.Complete(r.Context(), &providers.CompletionCall{
			Model:     descriptor.Model,
			System:    req.System,
			Prompt:    req.Prompt,
			MaxTokens: req.MaxTokens,
			JSONMode:  req.Routing.Required.JSONMode,
		})
		latency := s.now().Sub(start)

		metric := types.PerformanceMetric{
			Provider: name,
			TaskType: taskType,
			Success:  err == nil,
			Latency:  latency,
		}
		if err != nil {
			s.router.RecordOutcome(metric)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"provider":    name,
				"decision_id": decision.DecisionID,
			}).Warn("Provider call failed, trying next")
			lastErr = err
			continue
		}

		metric.Cost = s.router.CostPredictor().ActualCost(descriptor, result.Usage)
		s.router.RecordOutcome(metric)

		s.writeJSON(w, http.StatusOK, types.CompletionResponse{
			Provider:  name,
			Model:     result.Model,
			Content:   result.Content,
			Usage:     result.Usage,
			Cost:      metric.Cost,
			Latency:   latency,
			Attempted: attempted,
			Decision:  decision,
		})
		return
	}

	msg := "no provider client available"
	if lastErr != nil {
		msg = fmt.Sprintf("all providers failed, last error: %v", lastErr)
	}
	s.writeErrorResponse(w, http.StatusBadGateway, msg)
}

func (s *Server) selectProvider(ctx context.Context, req *types.RoutingRequest) (*routing.RoutingDecision, error) {
	decision, err := s.router.SelectProvider(req)
	if decision != nil {
		decision.DecisionID = uuid.NewString()
	}

	if auditor := s.securityMiddleware.Auditor(); auditor != nil {
		var id, provider string
		if decision != nil {
			id, provider = decision.DecisionID, decision.SelectedProvider
		}
		auditor.LogRoutingDecision(ctx, id, provider, req.TaskType, err)
	}
	return decision, err
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, routing.ErrNoProviderAvailable) || errors.Is(err, routing.ErrNoProviderPassedScoring) {
		status = http.StatusUnprocessableEntity
	}
	s.writeErrorResponse(w, status, fmt.Sprintf("Routing failed: %v", err))
}

// handleListProviders lists all registered providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	names := s.router.ListProviders()
	capabilities := s.router.GetCapabilities()

	list := make([]types.CapabilityDescriptor, 0, len(names))
	for _, name := range names {
		list = append(list, capabilities[name])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": list,
		"count":     len(list),
	})
}

// handleGetProvider gets information about a specific provider
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	descriptor, _, ok := s.router.GetProvider(name)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": descriptor,
		"vendor":   descriptor.VendorPrefix(),
		"stats":    s.router.Tracker().Stats(name),
	})
}

// handleStats returns outcome statistics for every provider
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":  s.router.Stats(),
		"samples":    s.router.Tracker().Len(),
		"middleware": s.securityMiddleware.GetStats(),
		"timestamp":  s.now().Unix(),
	})
}

// Tool handlers

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.executor.ListTools()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	})
}

type executeRequest struct {
	Arguments      map[string]interface{} `json:"arguments"`
	Identifier     string                 `json:"identifier"`
	SkipValidation bool                   `json:"skip_validation"`
	TimeoutMs      int64                  `json:"timeout_ms"`
	Retry          bool                   `json:"retry"`
	MaxRetries     int                    `json:"max_retries"`
	EstimatedCost  float64                `json:"estimated_cost"`
	Context        map[string]interface{} `json:"context"`
}

// handleExecuteTool runs a tool and forwards the result to the audit log
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = security.ClientKeyExtractor(r)
	}

	result := s.executor.Execute(r.Context(), name, req.Arguments, executor.ExecuteOptions{
		Identifier:     identifier,
		SkipValidation: req.SkipValidation,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		Retry:          req.Retry,
		MaxRetries:     req.MaxRetries,
		EstimatedCost:  req.EstimatedCost,
		Context:        req.Context,
	})

	if auditor := s.securityMiddleware.Auditor(); auditor != nil {
		auditor.LogToolResult(r.Context(), identifier, result)
	}

	var execErr *executor.Error
	if errors.As(result.Err, &execErr) {
		switch {
		case !execErr.ResetAt.IsZero():
			w.Header().Set("Retry-After", retryAfter(execErr.ResetAt, s.now()))
		case !execErr.RetryAt.IsZero():
			w.Header().Set("Retry-After", retryAfter(execErr.RetryAt, s.now()))
		}
	}

	s.writeJSON(w, toolStatus(result), result)
}

// toolStatus maps an execution outcome to an HTTP status
func toolStatus(result *types.ToolResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch executor.Kind(result.ErrorKind) {
	case executor.KindToolNotFound:
		return http.StatusNotFound
	case executor.KindValidationFailed:
		return http.StatusUnprocessableEntity
	case executor.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case executor.KindQuotaDenied:
		return http.StatusForbidden
	case executor.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case executor.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func retryAfter(at, now time.Time) string {
	secs := int(at.Sub(now).Seconds() + 0.999)
	if secs < 0 {
		secs = 0
	}
	return strconv.Itoa(secs)
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.executor.GetTool(name); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Tool %s not found", name))
		return
	}

	state, err := s.executor.BreakerState(r.Context(), name)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tool": name, "circuit": state})
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.executor.GetTool(name); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Tool %s not found", name))
		return
	}

	if err := s.executor.ResetBreaker(r.Context(), name); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleGetCircuit(w, r)
}

// handleHealthCheck reports liveness. With ?deep=true every provider
// client is probed.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"providers": len(s.router.ListProviders()),
		"tools":     len(s.executor.ListTools()),
		"timestamp": s.now().Unix(),
	}
	statusCode := http.StatusOK

	if deep, _ := strconv.ParseBool(r.URL.Query().Get("deep")); deep {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		checks := make(map[string]types.HealthStatus)
		for _, name := range s.router.ListProviders() {
			_, client, _ := s.router.GetProvider(name)
			checks[name] = s.checkProvider(ctx, client)
			if checks[name].Status != "healthy" {
				response["status"] = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
		}
		response["checks"] = checks
	}

	s.writeJSON(w, statusCode, response)
}

func (s *Server) checkProvider(ctx context.Context, client providers.Client) types.HealthStatus {
	start := s.now()
	status := types.HealthStatus{Status: "healthy"}
	if client == nil {
		status.Status = "unhealthy"
		status.ErrorMessage = "no client registered"
	} else if err := client.HealthCheck(ctx); err != nil {
		status.Status = "unhealthy"
		status.ErrorMessage = err.Error()
	}
	status.ResponseTime = s.now().Sub(start).Milliseconds()
	status.LastChecked = s.now().Unix()
	return status
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": s.now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
