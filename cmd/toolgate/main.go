// Package main provides the CLI entry point for toolgate, an LLM gateway
// that runs model tool calls behind human approval.
//
// # Basic Usage
//
// Start the server:
//
//	toolgate serve --config toolgate.yaml
//
// Manage database migrations:
//
//	toolgate migrate up
//	toolgate migrate status
//
// Review pending tool calls:
//
//	toolgate validations list --user u1
//	toolgate validations approve <id> --user u1
//
// # Environment Variables
//
//   - TOOLGATE_CONFIG: Path to configuration file (default: toolgate.yaml)
//
// Any ${VAR} or ${VAR:-fallback} reference in the configuration file is
// expanded from the environment, which is how provider keys are usually
// supplied.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/config"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "toolgate.yaml"
	configEnvVar      = "TOOLGATE_CONFIG"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - LLM gateway with human-approved tool calls",
		Long: `toolgate streams chat completions from OpenAI, Anthropic, Google and
Bedrock models and runs the tools they call through MCP servers.

Tool calls that need a human decision pause the stream until the call is
approved, rejected or answered with feedback. Provider failures are retried
with exponential backoff behind a per-provider circuit breaker.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildModelsCmd(),
		buildValidationsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies TOOLGATE_CONFIG when no explicit path was given.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == defaultConfigPath {
		if env := strings.TrimSpace(os.Getenv(configEnvVar)); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
