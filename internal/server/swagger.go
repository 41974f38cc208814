package server

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API document
func OpenAPISpec() []byte {
	return openAPISpec
}

// setupSwaggerRoutes sets up API documentation routes
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods("GET")
	r.HandleFunc("/docs", s.serveSwaggerIndex).Methods("GET")
	r.HandleFunc("/docs/", s.serveSwaggerIndex).Methods("GET")
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(openAPISpec)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := specJSON()
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI spec")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error converting OpenAPI spec")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(data)
}

// specJSON converts the embedded YAML document to indented JSON
func specJSON() ([]byte, error) {
	var spec interface{}
	if err := yaml.Unmarshal(openAPISpec, &spec); err != nil {
		return nil, fmt.Errorf("parse OpenAPI spec: %w", err)
	}
	return json.MarshalIndent(jsonCompatible(spec), "", "  ")
}

// jsonCompatible rewrites the map[interface{}]interface{} values yaml.v2
// produces into string-keyed maps
func jsonCompatible(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = jsonCompatible(inner)
		}
		return out
	case []interface{}:
		for i, inner := range val {
			val[i] = jsonCompatible(inner)
		}
		return val
	default:
		return v
	}
}

// serveSwaggerIndex serves a Swagger UI page pointed at the YAML document
func (s *Server) serveSwaggerIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	specURL := fmt.Sprintf("%s/docs/openapi.yaml", getBaseURL(r))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Task Router - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`, specURL)

	_, _ = w.Write([]byte(html))
}

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
