package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/percolation-labs/percolate/internal/agent"
	"github.com/percolation-labs/percolate/internal/audit"
	"github.com/percolation-labs/percolate/internal/auth"
	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/idempotency"
	"github.com/percolation-labs/percolate/internal/provider"
	"github.com/percolation-labs/percolate/internal/proxy"
	"github.com/percolation-labs/percolate/internal/scheduler"
	"github.com/percolation-labs/percolate/internal/store"
	"github.com/percolation-labs/percolate/internal/tool"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy daemon",
	Long:  `Starts the HTTP proxy: dialect endpoints, agent runtime, audit collector, and the maintenance scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(cfg.Store.Path, store.LockConfigFrom(cfg.Store))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		keys, err := idempotency.NewStore(st.Path("idempotency.json"))
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		auditor := audit.NewCollector(st, keys, cfg.Audit)

		providers, err := provider.NewRegistry(cfg.Providers)
		if err != nil {
			return fmt.Errorf("build provider registry: %w", err)
		}
		agents := agent.NewAgentRegistry(cfg.Agents)

		catalog := tool.NewCatalog()
		if err := tool.RegisterBuiltins(catalog, cfg.Tools); err != nil {
			return fmt.Errorf("register tools: %w", err)
		}
		httpTimeout, err := config.DurationOrDefault(cfg.Tools.HTTPTimeout, config.DefaultToolHTTPTimeout)
		if err != nil {
			return fmt.Errorf("parse tool http timeout: %w", err)
		}
		invoker := tool.NewInvoker(catalog, httpTimeout)

		runner := agent.NewRunner(providers, invoker, auditor, agent.OptionsFrom(cfg.Runner))

		authsvc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("build auth service: %w", err)
		}

		runTimeout, err := config.DurationOrDefault(cfg.Runner.RunTimeout, config.DefaultRunnerRunTimeout)
		if err != nil {
			return fmt.Errorf("parse run timeout: %w", err)
		}
		server := proxy.NewServer(runner, providers, agents, catalog, authsvc, runTimeout)

		engine, err := buildScheduler(st, auditor, providers, agents)
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		if engine != nil {
			engine.Start()
		}

		readTimeout, _ := config.DurationOrDefault(cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
		writeTimeout, _ := config.DurationOrDefault(cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
		idleTimeout, _ := config.DurationOrDefault(cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
		shutdownTimeout, _ := config.DurationOrDefault(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)

		httpServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      server.Handler(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Percolate listening", "addr", httpServer.Addr, "default_provider", providers.DefaultName())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		if engine != nil {
			if err := engine.Stop(shutdownCtx); err != nil {
				slog.Warn("Scheduler shutdown incomplete", "error", err)
			}
		}
		if err := keys.Save(); err != nil {
			slog.Warn("Failed to persist idempotency keys", "error", err)
		}
		return nil
	},
}

// buildScheduler wires the maintenance jobs: audit retention pruning and
// registry hot-reload from fresh configuration.
func buildScheduler(st *store.Store, auditor *audit.Collector, providers *provider.Registry, agents *agent.Registry) (*scheduler.Engine, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}

	engine, err := scheduler.NewEngine(st, cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	retention, err := config.DurationOrDefault(cfg.Audit.Retention, config.DefaultAuditRetention)
	if err != nil {
		return nil, fmt.Errorf("parse audit retention: %w", err)
	}

	pruneSpec := cfg.Scheduler.PruneSpec
	if pruneSpec == "" {
		pruneSpec = config.DefaultSchedulerPruneSpec
	}
	if err := engine.Add(scheduler.Job{
		Name: "audit-prune",
		Spec: pruneSpec,
		Run: func(ctx context.Context) error {
			auditor.Prune(retention)
			return nil
		},
	}); err != nil {
		return nil, err
	}

	reloadSpec := cfg.Scheduler.ReloadSpec
	if reloadSpec == "" {
		reloadSpec = config.DefaultSchedulerReloadSpec
	}
	if err := engine.Add(scheduler.Job{
		Name: "registry-reload",
		Spec: reloadSpec,
		Run: func(ctx context.Context) error {
			fresh, err := config.Load(rootCmd)
			if err != nil {
				return err
			}
			agents.Reload(fresh.Agents)
			return providers.Reload(fresh.Providers)
		},
	}); err != nil {
		return nil, err
	}

	return engine, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
