package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware checks requests against an OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool
	// Spec is the OpenAPI document, YAML or JSON
	Spec []byte
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: config != nil && config.Enabled,
	}

	if !vm.enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	if err := vm.loadOpenAPISpec(config.Spec); err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	logger.Info("API validation middleware enabled")
	return vm, nil
}

// loadOpenAPISpec parses the document and builds the path matcher
func (vm *ValidationMiddleware) loadOpenAPISpec(spec []byte) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return err
	}

	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	vm.router = router
	return nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			vm.writeValidationError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateRequest validates an HTTP request against the OpenAPI document.
// Routes the document does not describe pass through.
func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	// the body is read once here and restored for the handler
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		defer func() {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}()
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError: true,
		},
	}

	return openapi3filter.ValidateRequest(r.Context(), input)
}

// ValidationErrorDetail contains parsed validation error information
type ValidationErrorDetail struct {
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// writeValidationError writes a validation error response
func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	detail := parseValidationError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"message": detail.Message,
			"type":    "validation_error",
			"code":    "400",
			"issues":  detail.Issues,
		},
		"timestamp": time.Now().Unix(),
	}

	_ = json.NewEncoder(w).Encode(response)
}

// parseValidationError flattens openapi3filter errors into one line each
func parseValidationError(err error) *ValidationErrorDetail {
	detail := &ValidationErrorDetail{Message: "Request validation failed"}
	collectIssues(err, &detail.Issues)
	return detail
}

func collectIssues(err error, out *[]string) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collectIssues(inner, out)
		}
	case *openapi3filter.RequestError:
		switch e.Err.(type) {
		case openapi3.MultiError, *openapi3.SchemaError:
			collectIssues(e.Err, out)
			return
		}
		if e.Parameter != nil {
			*out = append(*out, fmt.Sprintf("parameter %q: %s", e.Parameter.Name, e.Reason))
			return
		}
		*out = append(*out, e.Error())
	case *openapi3.SchemaError:
		pointer := "/" + strings.Join(e.JSONPointer(), "/")
		*out = append(*out, pointer+": "+e.Reason)
	default:
		*out = append(*out, err.Error())
	}
}
