package tools

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

// File is the on-disk tool registry. JSON files parse as well, being a
// subset of YAML.
type File struct {
	Tools []types.ToolSpecification `yaml:"tools"`
}

// LoadSpecs reads and checks a tool registry file
func LoadSpecs(path string) ([]types.ToolSpecification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}
	return ParseSpecs(data)
}

// ParseSpecs decodes a tool registry document
func ParseSpecs(data []byte) ([]types.ToolSpecification, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tools file: %w", err)
	}

	seen := make(map[string]bool, len(file.Tools))
	for i := range file.Tools {
		spec := &file.Tools[i]
		if strings.TrimSpace(spec.Name) == "" {
			return nil, fmt.Errorf("tool #%d: name is required", i+1)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("tool %s is defined more than once", spec.Name)
		}
		seen[spec.Name] = true

		if err := checkEndpoint(spec); err != nil {
			return nil, fmt.Errorf("tool %s: %w", spec.Name, err)
		}
	}
	return file.Tools, nil
}

func checkEndpoint(spec *types.ToolSpecification) error {
	ep := spec.Endpoint
	if ep == nil {
		return nil
	}

	if ep.Method == "" {
		ep.Method = http.MethodPost
	}
	ep.Method = strings.ToUpper(ep.Method)
	switch ep.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported endpoint method %q", ep.Method)
	}

	u, err := url.Parse(ep.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("endpoint url %q must be absolute", ep.URL)
	}
	if ep.Timeout < 0 {
		return fmt.Errorf("endpoint timeout must not be negative")
	}
	return nil
}
