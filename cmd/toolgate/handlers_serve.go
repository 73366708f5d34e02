package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/automation"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the configuration, wires every component and serves until
// SIGINT or SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	configPath = resolveConfigPath(configPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Observability.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logging := observability.NewLogger(logCfg)
	logging.SetDefault()
	logger := logging.Slog()

	logger.Info("starting toolgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	traceCfg := cfg.Observability.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize toolgate: %w", err)
	}
	defer a.Close()

	logger.Info("configuration loaded",
		"addr", cfg.Server.Addr,
		"database", cfg.Database.Driver,
		"providers", a.providers.Providers(),
		"tool_servers", len(cfg.Tools.Servers),
		"default_permission", cfg.Validation.DefaultPermission,
	)

	server := gateway.NewServer(a.gateway, a.gate, a.sessions, a.store, a.tools, gateway.ServerConfig{
		Addr:              cfg.Server.Addr,
		MetricsPath:       cfg.Server.MetricsPath,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, metrics, logger)
	executions := automation.NewHandler(a.runner)
	server.Handle("POST /v1/executions", executions.Run)
	server.Handle("GET /v1/executions/{id}", executions.Get)

	sweeper, err := approval.NewSweeper(a.gate, cfg.Validation.SweepSchedule, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Add(cfg.Sessions.ReapSchedule, "reap-sessions", func(context.Context) {
		a.sessions.Reap()
	}); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", cfg.Sessions.ReapSchedule, err)
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		a.applyConfig(next)
		logger.Info("applied reloaded configuration",
			"tool_servers", len(next.Tools.Servers),
			"default_permission", next.Validation.DefaultPermission)
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer watcher.Close()

	if err := server.Start(ctx); err != nil {
		return err
	}
	sweeper.Start()

	logger.Info("toolgate started", "addr", server.Addr())
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	sweeper.Stop()
	server.Stop(shutdownCtx)

	slog.Info("toolgate stopped gracefully")
	return nil
}
