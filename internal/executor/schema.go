package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// CompiledSchema is a tool input schema parsed once at registration
type CompiledSchema struct {
	schema *openapi3.Schema
}

// CompileSchema parses a JSON Schema object and checks it is well formed.
// A nil or empty schema accepts any arguments.
func CompileSchema(ctx context.Context, raw map[string]interface{}) (*CompiledSchema, error) {
	if len(raw) == 0 {
		return &CompiledSchema{}, nil
	}

	clean := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "$schema" || k == "$id" {
			continue
		}
		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	schema := openapi3.NewSchema()
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := schema.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return &CompiledSchema{schema: schema}, nil
}

// Validate checks args and returns every violation as "pointer: reason",
// sorted. An empty result means args conform.
func (c *CompiledSchema) Validate(args map[string]interface{}) ([]string, error) {
	if c == nil || c.schema == nil {
		return nil, nil
	}

	value, err := normalizeJSON(args)
	if err != nil {
		return nil, err
	}

	err = c.schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil, nil
	}

	var violations []string
	collectViolations(err, &violations)
	sort.Strings(violations)
	return violations, nil
}

// normalizeJSON round-trips args through encoding/json so Go numeric and
// struct values become the generic JSON types the validator expects.
func normalizeJSON(args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	return value, nil
}

func collectViolations(err error, out *[]string) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collectViolations(inner, out)
		}
	case *openapi3.SchemaError:
		pointer := "/" + strings.Join(e.JSONPointer(), "/")
		reason := e.Reason
		if reason == "" {
			reason = e.Error()
		}
		*out = append(*out, pointer+": "+reason)
	default:
		*out = append(*out, err.Error())
	}
}
