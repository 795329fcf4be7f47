// Package main provides the CLI entry point for the Flotilla fleet daemon.
//
// Flotilla maintains long-lived connections to a real-time messaging network
// on behalf of many agents, coordinating ownership across a fleet of
// instances through a shared store.
//
// # Basic Usage
//
// Start the daemon:
//
//	flotilla serve --config flotilla.yaml
//
// Inspect the fleet:
//
//	flotilla status
//
// Manage agents:
//
//	flotilla agents create --tenant acme --name "Support line"
//	flotilla agents enable <id>
//	flotilla agents disable <id>
//	flotilla agents reconnect <id>
//
// # Environment Variables
//
//   - FLOTILLA_CONFIG: Path to configuration file (default: flotilla.yaml)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/flotilla/internal/backoff"
	"github.com/haasonsaas/flotilla/internal/config"
	"github.com/haasonsaas/flotilla/internal/coordination"
	"github.com/haasonsaas/flotilla/internal/observability"
	"github.com/haasonsaas/flotilla/internal/storage"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flotilla",
		Short: "Flotilla - fleet-coordinated messaging connection daemon",
		Long: `Flotilla runs long-lived messaging network connections for many agents,
spreading them across a fleet of instances with single-owner guarantees,
credential caching, and differentiated reconnection policy per failure cause.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildAgentsCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("FLOTILLA_CONFIG")); env != "" {
		return env
	}
	return "flotilla.yaml"
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist and no explicit path was given.
func loadConfig(path string) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	if path == "" {
		if _, err := os.Stat(resolved); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(resolved)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// storeConnectAttempts bounds startup retries against a store that is
// still coming up alongside the daemon.
const storeConnectAttempts = 5

// openStore connects to the coordination store named in the config,
// retrying transient connect failures with jittered backoff.
func openStore(ctx context.Context, cfg *config.Config) (coordination.Store, error) {
	if cfg.Store.URL == "memory" {
		return coordination.NewMemoryStore(), nil
	}
	policy := backoff.Store()
	var lastErr error
	for attempt := 1; attempt <= storeConnectAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := coordination.NewRedisStore(connectCtx, cfg.Store.URL)
		cancel()
		if err == nil {
			return store, nil
		}
		lastErr = err
		if attempt == storeConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.Compute(policy, attempt)):
		}
	}
	return nil, lastErr
}

func openAgentStore(cfg *config.Config) (storage.AgentStore, error) {
	return storage.NewSQLiteAgentStore(cfg.Database.Path)
}
