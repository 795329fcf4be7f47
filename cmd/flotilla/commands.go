package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/flotilla/internal/config"
	"github.com/haasonsaas/flotilla/internal/coordination"
	"github.com/haasonsaas/flotilla/internal/events"
	"github.com/haasonsaas/flotilla/internal/lifecycle"
	"github.com/haasonsaas/flotilla/internal/observability"
	"github.com/haasonsaas/flotilla/internal/registry"
	"github.com/haasonsaas/flotilla/internal/sessioncache"
	"github.com/haasonsaas/flotilla/internal/storage"
	"github.com/haasonsaas/flotilla/internal/transport"
	"github.com/haasonsaas/flotilla/pkg/models"
)

// buildServeCmd creates the "serve" command that runs the fleet daemon.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	metrics := observability.NewMetrics()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect coordination store: %w", err)
	}
	defer store.Close()

	agents, err := openAgentStore(cfg)
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer agents.Close()

	cache := sessioncache.New(store, logger)
	metrics.RegisterCacheStats(cache.Stats)

	reg := registry.New(store, registry.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval.Std(),
		HeartbeatTTL:      cfg.Registry.HeartbeatTTL.Std(),
		Capacity:          cfg.Registry.Capacity,
		Observe: func(d time.Duration) {
			metrics.HeartbeatDuration.Observe(d.Seconds())
		},
	}, logger)
	metrics.RegisterAssignedGauge(reg.AssignedCount)
	if err := reg.Register(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Warn("registry shutdown incomplete", "error", err)
		}
	}()

	dialer, err := transport.NewWhatsAppDialer(transport.WhatsAppConfig{
		SessionDir: cfg.Transport.SessionDir,
		PairingTTL: cfg.Transport.PairingTTL.Std(),
		QRSize:     cfg.Transport.QRSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}

	bus := events.NewBus(64, logger)
	defer bus.Close()
	go watchEvents(bus, metrics, logger)

	mgr := lifecycle.New(lifecycle.Config{
		CooldownWindow:    cfg.Lifecycle.CooldownWindow.Std(),
		MaxAttempts:       cfg.Lifecycle.MaxAttempts,
		PairingTTL:        cfg.Transport.PairingTTL.Std(),
		CredentialsTTL:    cfg.Lifecycle.CredentialsTTL.Std(),
		ReconcileInterval: cfg.Lifecycle.ReconcileInterval.Std(),
	}, reg, cache, agents, dialer, bus, logger)

	scheduler := cron.New()
	reconcileSpec := fmt.Sprintf("@every %s", cfg.Lifecycle.ReconcileInterval)
	if _, err := scheduler.AddFunc(reconcileSpec, func() {
		start := time.Now()
		passCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ReconcileInterval.Std())
		defer cancel()
		if err := mgr.Reconcile(passCtx); err != nil {
			logger.Warn("reconcile pass failed", "error", err)
		}
		metrics.ReconcilePassDuration.Observe(time.Since(start).Seconds())
	}); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	if memStore, ok := store.(*coordination.MemoryStore); ok {
		if _, err := scheduler.AddFunc("@every 1m", func() {
			if removed := memStore.Sweep(); removed > 0 {
				logger.Debug("swept expired entries", "removed", removed)
			}
		}); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener started", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("flotilla daemon started",
		"instance_id", reg.InstanceID(),
		"capacity", cfg.Registry.Capacity,
		"store", cfg.Store.URL)

	// First pass immediately instead of waiting for the schedule.
	if err := mgr.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	mgr.Shutdown(context.Background())
	return nil
}

// watchEvents drains the status bus into logs and metrics. Pairing codes
// are logged so an operator tailing the daemon can complete pairing.
func watchEvents(bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	lastState := make(map[string]string)
	for event := range ch {
		switch event.Type {
		case models.EventPairingReady:
			metrics.PairingCounter.Inc()
			if event.Pairing != nil {
				logger.Info("pairing code ready",
					"agent_id", event.AgentID,
					"code", event.Pairing.Code,
					"expires_at", event.Pairing.ExpiresAt.Format(time.RFC3339))
			}

		case models.EventFatalError:
			logger.Error("agent requires action",
				"agent_id", event.AgentID,
				"status", string(event.Status),
				"cause", causeLabel(event.Cause),
				"detail", event.Detail)

		case models.EventStatusChanged:
			state := string(event.Status)
			if prev, ok := lastState[event.AgentID]; ok && prev != state {
				metrics.ConnectionsByState.WithLabelValues(prev).Dec()
			}
			if prev := lastState[event.AgentID]; prev != state {
				metrics.ConnectionsByState.WithLabelValues(state).Inc()
				if prev == string(models.StatusConnected) {
					metrics.DisconnectCounter.WithLabelValues(causeLabel(event.Cause)).Inc()
				}
			}
			lastState[event.AgentID] = state
			if event.Status == models.StatusReconnecting {
				metrics.ReconnectCounter.WithLabelValues(causeLabel(event.Cause)).Inc()
			}
			logger.Info("agent status changed",
				"agent_id", event.AgentID,
				"status", state,
				"detail", event.Detail)
		}
	}
}

func causeLabel(cause string) string {
	if cause == "" {
		return "unknown"
	}
	return cause
}

// buildStatusCmd creates the "status" command showing active instances.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active fleet instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("connect coordination store: %w", err)
			}
			defer store.Close()

			reg := registry.New(store, registry.Config{
				HeartbeatTTL: cfg.Registry.HeartbeatTTL.Std(),
				Capacity:     cfg.Registry.Capacity,
			}, logger)
			instances, err := reg.ListActiveInstances(cmd.Context())
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}
			if len(instances) == 0 {
				fmt.Println("No active instances.")
				return nil
			}

			fmt.Printf("%-38s %-20s %8s %10s %8s\n", "INSTANCE", "HOSTNAME", "ASSIGNED", "CAPACITY", "LOAD")
			for _, inst := range instances {
				fmt.Printf("%-38s %-20s %8d %10d %7.0f%%\n",
					inst.ID, inst.Hostname, inst.AssignedCount, inst.Capacity, inst.Load()*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildAgentsCmd creates the "agents" command group.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the agent roster",
	}
	cmd.AddCommand(
		buildAgentsCreateCmd(),
		buildAgentsListCmd(),
		buildAgentsEnableCmd(),
		buildAgentsDisableCmd(),
		buildAgentsReconnectCmd(),
	)
	return cmd
}

func buildAgentsCreateCmd() *cobra.Command {
	var configPath, tenantID, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" || name == "" {
				return fmt.Errorf("--tenant and --name are required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			agents, err := openAgentStore(cfg)
			if err != nil {
				return err
			}
			defer agents.Close()

			agent := &models.Agent{
				ID:          uuid.New().String(),
				TenantID:    tenantID,
				DisplayName: name,
				Status:      models.StatusDisconnected,
				IsActive:    true,
			}
			if err := agents.Create(cmd.Context(), agent); err != nil {
				return fmt.Errorf("create agent: %w", err)
			}
			fmt.Printf("Created agent %s\n", agent.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath, tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			agents, err := openAgentStore(cfg)
			if err != nil {
				return err
			}
			defer agents.Close()

			list, err := agents.List(cmd.Context(), tenantID)
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No agents.")
				return nil
			}

			fmt.Printf("%-38s %-12s %-16s %-8s %s\n", "ID", "TENANT", "STATUS", "ACTIVE", "INSTANCE")
			for _, agent := range list {
				fmt.Printf("%-38s %-12s %-16s %-8t %s\n",
					agent.ID, agent.TenantID, agent.Status, agent.IsActive, agent.AssignedInstance)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Filter by tenant ID")
	return cmd
}

// agentFlagCmd builds a one-shot command that flips durable roster flags;
// the running daemon picks the change up on its next reconcile pass.
func agentFlagCmd(use, short string, apply func(ctx context.Context, agents storage.AgentStore, id string) error) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			agents, err := openAgentStore(cfg)
			if err != nil {
				return err
			}
			defer agents.Close()

			if err := apply(cmd.Context(), agents, args[0]); err != nil {
				return err
			}
			fmt.Printf("OK: %s %s\n", use, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildAgentsEnableCmd() *cobra.Command {
	return agentFlagCmd("enable", "Enable an agent; the daemon connects it on the next reconcile pass",
		func(ctx context.Context, agents storage.AgentStore, id string) error {
			return agents.SetActive(ctx, id, true)
		})
}

func buildAgentsDisableCmd() *cobra.Command {
	return agentFlagCmd("disable", "Disable an agent; the daemon stops it on the next reconcile pass",
		func(ctx context.Context, agents storage.AgentStore, id string) error {
			return agents.SetActive(ctx, id, false)
		})
}

func buildAgentsReconnectCmd() *cobra.Command {
	return agentFlagCmd("reconnect", "Flag an agent for reconnection on the next reconcile pass",
		func(ctx context.Context, agents storage.AgentStore, id string) error {
			return agents.SetNeedsReconnection(ctx, id, true)
		})
}
