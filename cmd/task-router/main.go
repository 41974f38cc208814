package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/llm-task-router/internal/config"
	"github.com/tributary-ai/llm-task-router/internal/executor"
	"github.com/tributary-ai/llm-task-router/internal/tools"
	"github.com/tributary-ai/llm-task-router/internal/types"
)

var version = "1.0.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "task-router",
		Short: "Provider routing and guarded tool execution for LLM agents",
		Long: `task-router selects a language-model provider for each task and runs
agent tools behind schema validation, circuit breaking and rate limits.

Environment Variables:
  OPENAI_API_KEY                OpenAI API key
  ANTHROPIC_API_KEY             Anthropic API key
  TASK_ROUTER_PORT              Server port (default: 8080)
  TASK_ROUTER_LOG_LEVEL         Log level (debug,info,warn,error,fatal)
  TASK_ROUTER_LOG_FORMAT        Log format (json,text)
  TASK_ROUTER_TOOLS_FILE        Tool registry file

Examples:
  task-router serve --config configs/config.yaml --watch
  task-router route --task code_review --budget 0.01
  task-router tools validate --file configs/tools.yaml`,
		SilenceUsage: true,
		Version:      version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(
		serveCmd(&configPath),
		routeCmd(&configPath),
		toolsCmd(&configPath),
		configCmd(&configPath),
	)
	return root
}

// loadConfig reads the configuration and builds the logger it describes
func loadConfig(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			app, err := NewApplication(cfg, *configPath, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return app.Run(watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Reload routing policies when the config file changes")
	return cmd
}

func routeCmd(configPath *string) *cobra.Command {
	var (
		req    types.RoutingRequest
		task   string
		budget float64
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the routing decision for a task without calling any provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.SetOutput(io.Discard)

			router, err := buildRouter(cfg, logger, false)
			if err != nil {
				return err
			}

			req.TaskType = types.TaskType(task)
			if cmd.Flags().Changed("budget") {
				req.CostBudget = &budget
			}

			decision, err := router.SelectProvider(&req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&task, "task", "t", string(types.TaskGeneral), "Task type")
	f.Float64Var(&req.QualityRequirement, "quality", 0, "Minimum quality in [0,1]")
	f.Float64Var(&budget, "budget", 0, "Cost budget in dollars")
	f.IntVar(&req.ContextTokens, "context", 0, "Context tokens the provider must accept")
	f.IntVar(&req.EstimatedInputTokens, "input-tokens", 0, "Estimated input tokens")
	f.IntVar(&req.EstimatedOutputTokens, "output-tokens", 0, "Estimated output tokens")
	f.StringVar(&req.VendorPreference, "vendor", "", "Preferred vendor")
	f.BoolVar(&req.VendorDiversity, "diversity", false, "Favor vendors with less recorded traffic")
	f.BoolVar(&req.Required.Tools, "tools", false, "Require tool calling")
	f.BoolVar(&req.Required.Vision, "vision", false, "Require image input")
	f.BoolVar(&req.Required.JSONMode, "json-mode", false, "Require JSON mode")
	f.BoolVar(&req.Required.Streaming, "streaming", false, "Require streaming")
	return cmd
}

func toolsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool registry",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a tool registry file and compile every input schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.LoadConfig(*configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				file = cfg.Tools.File
			}
			if file == "" {
				return fmt.Errorf("no tools file given; use --file or set tools.file")
			}
			return validateTools(cmd.Context(), cmd.OutOrStdout(), file)
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "", "Tool registry file")

	cmd.AddCommand(validate)
	return cmd
}

func validateTools(ctx context.Context, out io.Writer, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	specs, err := tools.LoadSpecs(file)
	if err != nil {
		return err
	}

	failed := 0
	for _, spec := range specs {
		kind := "builtin"
		if spec.Endpoint != nil {
			kind = spec.Endpoint.Method + " " + spec.Endpoint.URL
		}
		if _, err := executor.CompileSchema(ctx, spec.InputSchema); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", spec.Name, err)
			continue
		}
		fmt.Fprintf(out, "ok    %s (%s)\n", spec.Name, kind)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tools have invalid schemas", failed, len(specs))
	}
	return nil
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var out string
	write := &cobra.Command{
		Use:   "write",
		Short: "Write the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.SaveToFile(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", out)
			return nil
		},
	}
	write.Flags().StringVarP(&out, "out", "o", "config.yaml", "Output file")

	cmd.AddCommand(write)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
