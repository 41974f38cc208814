package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for the host middleware stack
type SecurityMiddlewareConfig struct {
	Audit           *security.AuditConfig
	Validation      *ValidationConfig
	MaxRequestBytes int64
}

// SecurityMiddleware combines the middleware every host request passes
// through. Tool and routing rate limits are applied per route by the server.
type SecurityMiddleware struct {
	validator       *ValidationMiddleware
	auditor         *security.AuditLogger
	maxRequestBytes int64
	logger          *logrus.Logger
}

// NewSecurityMiddleware creates a new middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	validator, err := NewValidationMiddleware(config.Validation, logger)
	if err != nil {
		return nil, err
	}

	var auditor *security.AuditLogger
	if config.Audit != nil {
		auditor = security.NewAuditLogger(config.Audit, logger)
	}

	return &SecurityMiddleware{
		validator:       validator,
		auditor:         auditor,
		maxRequestBytes: config.MaxRequestBytes,
		logger:          logger,
	}, nil
}

// Handler creates the complete middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// built innermost first
		handler := next

		handler = s.validator.Middleware(handler)

		if s.maxRequestBytes > 0 {
			handler = s.bodyLimitMiddleware()(handler)
		}

		// audit sits outside validation so rejected requests are recorded
		if s.auditor != nil {
			handler = s.auditor.AuditMiddleware()(handler)
		}

		handler = s.securityHeadersMiddleware()(handler)

		return handler
	}
}

// ValidationOnly returns only the validation middleware
func (s *SecurityMiddleware) ValidationOnly() func(http.Handler) http.Handler {
	return s.validator.Middleware
}

// AuditOnly returns only the audit logging middleware
func (s *SecurityMiddleware) AuditOnly() func(http.Handler) http.Handler {
	if s.auditor != nil {
		return s.auditor.AuditMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// Auditor exposes the audit sink so handlers can record tool results and
// routing decisions. It is nil when auditing is not configured.
func (s *SecurityMiddleware) Auditor() *security.AuditLogger {
	return s.auditor
}

func (s *SecurityMiddleware) bodyLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > s.maxRequestBytes {
				s.logger.WithFields(logrus.Fields{
					"path":           r.URL.Path,
					"content_length": r.ContentLength,
				}).Warn("Request body too large")
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Server", "task-router")
			w.Header().Set("X-API-Version", "1.0")

			next.ServeHTTP(w, r)
		})
	}
}

// Stop flushes the audit logger
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
}

// GetStats returns middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"validation_enabled": s.validator.enabled,
		"audit_enabled":      s.auditor != nil,
	}
	if s.auditor != nil {
		stats["audit_events_logged"] = s.auditor.GetEventCount()
		stats["audit_events_dropped"] = s.auditor.GetDroppedCount()
	}
	return stats
}

// LogSecurityEvent is a convenience method to log audit events
func (s *SecurityMiddleware) LogSecurityEvent(ctx context.Context, eventType security.AuditEventType, message string, details map[string]interface{}) {
	if s.auditor != nil {
		s.auditor.LogEvent(ctx, eventType, message, details)
	}
}
