package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/automation"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/internal/storage"
)

// app is the wired component graph shared by serve and the offline
// validation commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store     storage.Store
	relay     *sessions.RedisRelay
	sessions  *sessions.Registry
	tools     *mcp.Manager
	gate      *approval.Gate
	providers *gateway.Registry
	gateway   *gateway.Gateway
	runner    *automation.Runner
}

// newApp opens storage, connects tool servers and wires the gate, gateway
// and automation runner together. Close releases everything it opened.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics, tracer: tracer}

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	var relay sessions.Relay
	if cfg.Sessions.RedisURL != "" {
		a.relay, err = sessions.NewRedisRelay(ctx, cfg.Sessions.RedisURL, cfg.Sessions.RedisPrefix, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect session relay: %w", err)
		}
		relay = a.relay
	}
	a.sessions = sessions.NewRegistry(sessions.RegistryConfig{
		DisconnectGrace: cfg.Sessions.DisconnectGrace,
		OnActiveChange:  metrics.SetActiveSessions,
	}, relay, logger)

	var internal *mcp.InternalTools
	if !cfg.Tools.DisableInternal {
		internal = mcp.NewInternalTools(store)
	}
	a.tools = mcp.NewManager(cfg.Tools.Servers, internal, mcp.ManagerOptions{
		HTTPClient: &http.Client{},
		Logger:     logger,
		Tracer:     tracer,
		Version:    version,
	})
	a.tools.Start(ctx)

	a.gate = approval.NewGate(store, a.tools, a.sessions, approval.Config{
		DefaultPermission: cfg.Validation.DefaultPermission,
		ValidationTTL:     cfg.Validation.TTL,
	}, approval.Options{Logger: logger, Metrics: metrics, Tracer: tracer})

	a.providers, err = gateway.NewRegistry(ctx, gateway.RegistryConfig{
		Specs:   providerSpecs(cfg.LLM),
		Rules:   prefixRules(cfg.LLM),
		Breaker: breakerConfig(cfg.LLM.Circuit),
	}, store, metrics, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configure providers: %w", err)
	}

	a.gateway = gateway.New(a.providers, a.gate, a.tools, a.tools, store, a.sessions, gatewayConfig(cfg),
		gateway.Options{Logger: logger, Metrics: metrics, Tracer: tracer})
	a.runner = automation.NewRunner(a.gateway, a.gate, a.tools, store, automation.RunnerConfig{Logger: logger})

	a.gate.SetChatResumer(a.gateway)
	a.gate.SetAutomationResumer(a.runner)
	return a, nil
}

// applyConfig takes the parts of a reloaded configuration that can change
// without a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.tools.UpdateServers(cfg.Tools.Servers)
	a.gate.SetDefaultPermission(cfg.Validation.DefaultPermission)
}

// Close waits for background resumes and releases connections.
func (a *app) Close() {
	if a.gate != nil {
		a.gate.Wait()
	}
	if a.runner != nil {
		a.runner.Wait()
	}
	if a.tools != nil {
		a.tools.Stop()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("close session relay", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
