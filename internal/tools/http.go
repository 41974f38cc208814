package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

const maxResponseBytes = 4 << 20

// NewHTTPHandler binds a tool to its HTTP endpoint. GET and DELETE send the
// arguments as query parameters, other methods as a JSON body. JSON
// responses are decoded, anything else is returned as a string.
func NewHTTPHandler(spec types.ToolSpecification, client *http.Client, logger *logrus.Logger) (executor.Handler, error) {
	if spec.Endpoint == nil {
		return nil, fmt.Errorf("tool %s has no endpoint", spec.Name)
	}
	if client == nil {
		client = http.DefaultClient
	}
	ep := *spec.Endpoint

	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		req, err := buildRequest(ctx, ep, args)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", ep.URL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"tool":   spec.Name,
			"method": ep.Method,
			"status": resp.StatusCode,
		}).Debug("Tool endpoint responded")

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return decodeBody(resp.Header.Get("Content-Type"), body)
	}, nil
}

func buildRequest(ctx context.Context, ep types.EndpointSpec, args map[string]interface{}) (*http.Request, error) {
	var (
		body   io.Reader
		target = ep.URL
	)

	switch ep.Method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint url: %w", err)
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	default:
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	return req, nil
}

func queryValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func decodeBody(contentType string, body []byte) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !strings.Contains(contentType, "json") {
		return string(body), nil
	}
	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
