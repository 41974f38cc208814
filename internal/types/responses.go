package types

import (
	"time"
)

// ToolSpecification describes an executable tool. InputSchema is a JSON
// Schema object.
type ToolSpecification struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema"`
	Endpoint    *EndpointSpec          `json:"endpoint,omitempty" yaml:"endpoint"`
}

// EndpointSpec is the HTTP binding of a tool, when it has one
type EndpointSpec struct {
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
}

// ToolResult is the structured outcome of a tool execution
type ToolResult struct {
	ToolName         string                 `json:"tool_name"`
	Success          bool                   `json:"success"`
	Output           interface{}            `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	ValidationErrors []string               `json:"validation_errors,omitempty"`
	DurationMs       int64                  `json:"duration_ms"`
	Attempts         int                    `json:"attempts"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	// Err carries the typed error for in-process callers
	Err error `json:"-"`
}

// CompletionResponse is returned by the host after a routed completion
type CompletionResponse struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Content   string        `json:"content"`
	Usage     Usage         `json:"usage"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
	Attempted []string      `json:"attempted"`
	Decision  interface{}   `json:"decision,omitempty"`
}

// Usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
