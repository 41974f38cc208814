package types

import (
	"strings"
)

// Capabilities are the feature flags a provider advertises
type Capabilities struct {
	Tools     bool `json:"tools" yaml:"tools"`
	Vision    bool `json:"vision" yaml:"vision"`
	JSONMode  bool `json:"json_mode" yaml:"json_mode"`
	Streaming bool `json:"streaming" yaml:"streaming"`
}

// Satisfies reports whether every capability set in required is also set in c.
func (c Capabilities) Satisfies(required Capabilities) bool {
	if required.Tools && !c.Tools {
		return false
	}
	if required.Vision && !c.Vision {
		return false
	}
	if required.JSONMode && !c.JSONMode {
		return false
	}
	if required.Streaming && !c.Streaming {
		return false
	}
	return true
}

// Missing lists the names of the required capabilities c lacks
func (c Capabilities) Missing(required Capabilities) []string {
	var missing []string
	if required.Tools && !c.Tools {
		missing = append(missing, "tools")
	}
	if required.Vision && !c.Vision {
		missing = append(missing, "vision")
	}
	if required.JSONMode && !c.JSONMode {
		missing = append(missing, "json_mode")
	}
	if required.Streaming && !c.Streaming {
		missing = append(missing, "streaming")
	}
	return missing
}

// CapabilityDescriptor describes a routable provider. It is treated as
// immutable once registered with a router.
type CapabilityDescriptor struct {
	Name               string       `json:"name" yaml:"name"`
	Vendor             string       `json:"vendor,omitempty" yaml:"vendor"`
	Model              string       `json:"model,omitempty" yaml:"model"`
	MaxContextTokens   int          `json:"max_context_tokens" yaml:"max_context_tokens"`
	PricePerMillionIn  float64      `json:"price_per_million_in" yaml:"price_per_million_in"`
	PricePerMillionOut float64      `json:"price_per_million_out" yaml:"price_per_million_out"`
	Capabilities       Capabilities `json:"capabilities" yaml:"capabilities"`
}

// VendorPrefix returns the vendor of the provider. An explicit Vendor wins;
// otherwise the prefix of Name before the first "/" or "-" is used.
func (d CapabilityDescriptor) VendorPrefix() string {
	if d.Vendor != "" {
		return strings.ToLower(d.Vendor)
	}
	return VendorOf(d.Name)
}

// VendorOf derives a vendor prefix from a provider name such as
// "anthropic/claude-sonnet" or "openai-gpt-4o".
func VendorOf(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.Index(name, "/"); i > 0 {
		return name[:i]
	}
	if i := strings.Index(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}

// ProviderStats is a per-provider summary of recorded outcomes
type ProviderStats struct {
	Provider       string  `json:"provider"`
	Samples        int     `json:"samples"`
	WinRate        float64 `json:"win_rate"`
	AverageLatency int64   `json:"average_latency_ms"`
	AverageQuality float64 `json:"average_quality,omitempty"`
}

// Health check types
type HealthStatus struct {
	Status       string `json:"status"` // "healthy", "degraded", "unhealthy"
	ResponseTime int64  `json:"response_time_ms"`
	LastChecked  int64  `json:"last_checked"`
	ErrorMessage string `json:"error_message,omitempty"`
}
