package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/providers/anthropic"
	"github.com/tributary-ai/llm-task-router/internal/providers/openai"
	"github.com/tributary-ai/llm-task-router/internal/routing"
	"github.com/tributary-ai/llm-task-router/internal/security"
	"github.com/tributary-ai/llm-task-router/internal/server"
	"github.com/tributary-ai/llm-task-router/internal/state"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TASK_ROUTER_"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   LoggingConfig        `yaml:"logging"`
	Router    RouterConfig         `yaml:"router"`
	Executor  ExecutorConfig       `yaml:"executor"`
	Audit     security.AuditConfig `yaml:"audit"`
	Tools     ToolsConfig          `yaml:"tools"`
	Providers ProvidersConfig      `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             string        `yaml:"port" validate:"required,numeric"`
	ReadTimeout      time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes" validate:"gte=0"`
	MaxRequestBytes  int64         `yaml:"max_request_bytes" validate:"gte=0"`
	ValidateRequests bool          `yaml:"validate_requests"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=json text"`
	Output string `yaml:"output" validate:"required"` // "stdout", "stderr", or file path
}

// ProviderConfig declares a routable provider and the client backing it
type ProviderConfig struct {
	types.CapabilityDescriptor `yaml:",inline"`
	// Client selects the credentials section used to build the client
	Client string `yaml:"client" validate:"oneof=openai anthropic"`
}

// RouterConfig holds routing engine configuration
type RouterConfig struct {
	Providers       []ProviderConfig                        `yaml:"providers" validate:"dive"`
	Policies        map[types.TaskType]types.RoutingPolicy `yaml:"policies" validate:"dive"`
	Quality         routing.QualityTable                    `yaml:"quality" validate:"dive"`
	TrackerCapacity int                                     `yaml:"tracker_capacity" validate:"gt=0"`
	DecayRate       float64                                 `yaml:"decay_rate" validate:"gt=0,lte=1"`
}

// ExecutorConfig holds tool execution configuration
type ExecutorConfig struct {
	executor.Config `yaml:",inline"`
	RateLimits      security.RateLimitConfig `yaml:"rate_limits"`
	Quota           QuotaConfig              `yaml:"quota"`
}

// QuotaConfig bounds estimated spend per identifier. A zero default with no
// overrides disables the check.
type QuotaConfig struct {
	DefaultLimit  float64            `yaml:"default_limit" validate:"gte=0"`
	PerIdentifier map[string]float64 `yaml:"per_identifier"`
}

// Enabled reports whether any quota is configured
func (q QuotaConfig) Enabled() bool {
	return q.DefaultLimit > 0 || len(q.PerIdentifier) > 0
}

// ToolsConfig locates the tool registry
type ToolsConfig struct {
	File string `yaml:"file"`
}

// ProvidersConfig holds configuration for all provider clients
type ProvidersConfig struct {
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	// a missing .env is not an error
	_ = godotenv.Load()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:             "8080",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     60 * time.Second,
		MaxHeaderBytes:   1 << 20,
		MaxRequestBytes:  1 << 20,
		ValidateRequests: true,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Router = RouterConfig{
		Providers: []ProviderConfig{
			{
				CapabilityDescriptor: types.CapabilityDescriptor{
					Name:               "openai/gpt-4o",
					Model:              "gpt-4o",
					MaxContextTokens:   128000,
					PricePerMillionIn:  2.5,
					PricePerMillionOut: 10,
					Capabilities:       types.Capabilities{Tools: true, Vision: true, JSONMode: true, Streaming: true},
				},
				Client: "openai",
			},
			{
				CapabilityDescriptor: types.CapabilityDescriptor{
					Name:               "openai/gpt-4o-mini",
					Model:              "gpt-4o-mini",
					MaxContextTokens:   128000,
					PricePerMillionIn:  0.15,
					PricePerMillionOut: 0.6,
					Capabilities:       types.Capabilities{Tools: true, Vision: true, JSONMode: true, Streaming: true},
				},
				Client: "openai",
			},
			{
				CapabilityDescriptor: types.CapabilityDescriptor{
					Name:               "anthropic/claude-sonnet-4",
					Model:              "claude-sonnet-4-20250514",
					MaxContextTokens:   200000,
					PricePerMillionIn:  3,
					PricePerMillionOut: 15,
					Capabilities:       types.Capabilities{Tools: true, Vision: true, Streaming: true},
				},
				Client: "anthropic",
			},
			{
				CapabilityDescriptor: types.CapabilityDescriptor{
					Name:               "anthropic/claude-3-5-haiku",
					Model:              "claude-3-5-haiku-20241022",
					MaxContextTokens:   200000,
					PricePerMillionIn:  0.8,
					PricePerMillionOut: 4,
					Capabilities:       types.Capabilities{Tools: true, Streaming: true},
				},
				Client: "anthropic",
			},
		},
		Policies:        map[types.TaskType]types.RoutingPolicy{},
		Quality:         routing.QualityTable{},
		TrackerCapacity: routing.DefaultTrackerCapacity,
		DecayRate:       routing.DefaultDecayRate,
	}

	c.Executor = ExecutorConfig{
		Config: executor.Config{
			DefaultTimeout:   executor.DefaultTimeout,
			MaxRetries:       executor.DefaultMaxRetries,
			RetryBaseDelay:   executor.DefaultRetryBaseDelay,
			BreakerThreshold: executor.DefaultBreakerThreshold,
			BreakerCooldown:  executor.DefaultBreakerCooldown,
		},
		RateLimits: security.RateLimitConfig{
			Enabled:         true,
			Default:         state.WindowLimit{MaxRequests: 60, Window: time.Minute},
			Tools:           map[string]state.WindowLimit{},
			CleanupInterval: 5 * time.Minute,
		},
	}

	c.Audit = security.AuditConfig{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
		BatchSize:     100,
	}

	c.Providers = ProvidersConfig{
		OpenAI:    &openai.OpenAIConfig{Timeout: 120 * time.Second},
		Anthropic: &anthropic.AnthropicConfig{Timeout: 120 * time.Second, MaxRetries: 2},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := getenv("PORT"); port != "" {
		c.Server.Port = port
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := getenv("LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}

	if file := getenv("TOOLS_FILE"); file != "" {
		c.Tools.File = file
	}

	if v := getenv("DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sDEFAULT_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Executor.DefaultTimeout = d
	}
	if v := getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.Executor.MaxRetries = n
	}
	if v := getenv("RATE_LIMIT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_ENABLED: %w", EnvPrefix, err)
		}
		c.Executor.RateLimits.Enabled = enabled
	}

	// Provider API keys
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &openai.OpenAIConfig{}
		}
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.Providers.Anthropic.APIKey = key
	}

	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

// validate validates the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Router.Providers))
	for _, p := range c.Router.Providers {
		if p.Name == "" {
			return fmt.Errorf("router provider name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("router provider %s is declared more than once", p.Name)
		}
		seen[p.Name] = true
	}

	return validatePolicies(c.Router.Policies)
}

func validatePolicies(policies map[types.TaskType]types.RoutingPolicy) error {
	for taskType, p := range policies {
		if !taskType.IsKnown() {
			return fmt.Errorf("policy for unknown task type %q", taskType)
		}
		if p.CostWeight < 0 || p.LatencyWeight < 0 || p.QualityWeight < 0 {
			return fmt.Errorf("policy %s: weights must not be negative", taskType)
		}
		if p.MaxCostPerRequest != nil && *p.MaxCostPerRequest < 0 {
			return fmt.Errorf("policy %s: max_cost_per_request must not be negative", taskType)
		}
	}
	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:             c.Server.Port,
		ReadTimeout:      c.Server.ReadTimeout,
		WriteTimeout:     c.Server.WriteTimeout,
		MaxHeaderBytes:   c.Server.MaxHeaderBytes,
		MaxRequestBytes:  c.Server.MaxRequestBytes,
		ValidateRequests: c.Server.ValidateRequests,
		Audit:            &c.Audit,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the router providers whose client has
// credentials, in declaration order
func (c *Config) GetEnabledProviders() []ProviderConfig {
	var enabled []ProviderConfig
	for _, p := range c.Router.Providers {
		switch p.Client {
		case "openai":
			if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
				enabled = append(enabled, p)
			}
		case "anthropic":
			if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
				enabled = append(enabled, p)
			}
		}
	}
	return enabled
}
