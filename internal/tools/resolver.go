package tools

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// Resolver picks the handler for a tool spec: a builtin by name first, then
// the spec's HTTP endpoint.
type Resolver struct {
	builtins map[string]executor.Handler
	client   *http.Client
	logger   *logrus.Logger
}

// NewResolver creates a resolver. A nil client uses http.DefaultClient.
func NewResolver(builtins map[string]executor.Handler, client *http.Client, logger *logrus.Logger) *Resolver {
	if builtins == nil {
		builtins = map[string]executor.Handler{}
	}
	return &Resolver{builtins: builtins, client: client, logger: logger}
}

// Resolve implements the executor.LoadTools resolver
func (r *Resolver) Resolve(spec types.ToolSpecification) (executor.Handler, error) {
	if h, ok := r.builtins[spec.Name]; ok {
		return h, nil
	}
	if spec.Endpoint != nil {
		return NewHTTPHandler(spec, r.client, r.logger)
	}
	return nil, fmt.Errorf("no builtin handler and no endpoint")
}

// Builtins returns the handlers available without an endpoint
func Builtins() map[string]executor.Handler {
	return map[string]executor.Handler{
		"echo": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args, nil
		},
	}
}
