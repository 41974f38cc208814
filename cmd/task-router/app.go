package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-task-router/internal/config"
	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/providers"
	"github.com/tributary-ai/llm-task-router/internal/providers/anthropic"
	"github.com/tributary-ai/llm-task-router/internal/providers/openai"
	"github.com/tributary-ai/llm-task-router/internal/routing"
	"github.com/tributary-ai/llm-task-router/internal/security"
	"github.com/tributary-ai/llm-task-router/internal/server"
	"github.com/tributary-ai/llm-task-router/internal/state"
	"github.com/tributary-ai/llm-task-router/internal/tools"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config     *config.Config
	configPath string
	router     *routing.Router
	executor   *executor.Executor
	limiter    *security.WindowRateLimiter
	server     *server.Server
	logger     *logrus.Logger
}

// NewApplication wires the router, executor and HTTP server from cfg
func NewApplication(cfg *config.Config, configPath string, logger *logrus.Logger) (*Application, error) {
	routerInstance, err := buildRouter(cfg, logger, true)
	if err != nil {
		return nil, err
	}

	store := state.NewMemoryStore()
	limiter := security.NewWindowRateLimiter(&cfg.Executor.RateLimits, store, logger)

	exec, err := buildExecutor(cfg, store, limiter, logger)
	if err != nil {
		limiter.Stop()
		return nil, err
	}

	serverInstance, err := server.NewServer(routerInstance, exec, cfg.ToServerConfig(), logger,
		server.WithRateLimiter(limiter))
	if err != nil {
		limiter.Stop()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:     cfg,
		configPath: configPath,
		router:     routerInstance,
		executor:   exec,
		limiter:    limiter,
		server:     serverInstance,
		logger:     logger,
	}, nil
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully. With
// watch set, routing policies are reloaded when the config file changes.
func (app *Application) Run(watch bool) error {
	app.logger.Info("Starting task router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer app.limiter.Stop()

	if watch && app.configPath != "" {
		if err := config.WatchPolicies(ctx, app.configPath, app.logger, app.router.SetPolicies); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// buildRouter registers the configured providers. With requireClients only
// providers whose client has credentials are registered and at least one
// must be; otherwise every declared provider is registered without a client,
// which is enough for dry-run routing.
func buildRouter(cfg *config.Config, logger *logrus.Logger, requireClients bool) (*routing.Router, error) {
	tracker := routing.NewPerformanceTracker(
		routing.WithCapacity(cfg.Router.TrackerCapacity),
		routing.WithDecayRate(cfg.Router.DecayRate),
	)
	router := routing.NewRouter(logger,
		routing.WithQualityTable(cfg.Router.Quality),
		routing.WithTracker(tracker),
	)
	if err := router.SetPolicies(cfg.Router.Policies); err != nil {
		return nil, fmt.Errorf("invalid routing policies: %w", err)
	}

	declared := cfg.Router.Providers
	if requireClients {
		declared = cfg.GetEnabledProviders()
	}

	clients := make(map[string]providers.Client)
	for _, p := range declared {
		var client providers.Client
		if requireClients {
			client = clients[p.Client]
			if client == nil {
				client = newClient(cfg, p.Client, logger)
				clients[p.Client] = client
			}
		}
		if err := router.RegisterProvider(p.CapabilityDescriptor, client); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", p.Name, err)
		}
		logger.WithFields(logrus.Fields{
			"provider": p.Name,
			"client":   p.Client,
			"model":    p.Model,
		}).Info("Provider registered")
	}

	if len(declared) == 0 {
		return nil, fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", len(declared)).Info("Provider registration completed")
	return router, nil
}

// newClient builds the client of one kind. Providers sharing a kind share
// the client; the model travels with each call.
func newClient(cfg *config.Config, kind string, logger *logrus.Logger) providers.Client {
	switch kind {
	case "anthropic":
		return anthropic.NewAnthropicProvider(cfg.Providers.Anthropic, logger)
	default:
		return openai.NewOpenAIProvider(cfg.Providers.OpenAI, logger)
	}
}

// buildExecutor creates the executor and loads the tool registry. Without a
// tools file only the builtin echo tool is registered.
func buildExecutor(cfg *config.Config, store state.Store, limiter security.RateLimiter, logger *logrus.Logger) (*executor.Executor, error) {
	opts := []executor.Option{
		executor.WithStore(store),
		executor.WithRateLimiter(limiter),
	}
	if cfg.Executor.Quota.Enabled() {
		quota := security.NewSpendQuota(cfg.Executor.Quota.DefaultLimit, cfg.Executor.Quota.PerIdentifier, logger)
		opts = append(opts, executor.WithQuotaChecker(quota))
	}
	exec := executor.NewExecutor(cfg.Executor.Config, logger, opts...)

	specs := []types.ToolSpecification{{Name: "echo", Description: "Returns its arguments unchanged"}}
	if cfg.Tools.File != "" {
		loaded, err := tools.LoadSpecs(cfg.Tools.File)
		if err != nil {
			return nil, err
		}
		specs = loaded
	}

	resolver := tools.NewResolver(tools.Builtins(), &http.Client{}, logger)
	if err := exec.LoadTools(specs, resolver.Resolve); err != nil {
		return nil, fmt.Errorf("failed to load tools: %w", err)
	}

	logger.WithField("count", len(specs)).Info("Tools registered")
	return exec, nil
}
