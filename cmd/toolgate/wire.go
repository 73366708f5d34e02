package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/providers"
	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/infra"
	"github.com/haasonsaas/toolgate/internal/storage"
)

// providerSpecs converts llm.providers into adapter specs, sorted by name.
func providerSpecs(cfg config.LLMConfig) []providers.Spec {
	specs := make([]providers.Spec, 0, len(cfg.Providers))
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		specs = append(specs, providers.Spec{
			Name:            name,
			Kind:            p.Kind,
			APIKey:          p.APIKey,
			BaseURL:         p.BaseURL,
			Region:          p.Region,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
		})
	}
	return specs
}

// prefixRules turns model_prefixes into routing rules. Configured prefixes
// are sent upstream unchanged.
func prefixRules(cfg config.LLMConfig) []gateway.PrefixRule {
	var rules []gateway.PrefixRule
	for _, name := range cfg.ProviderNames() {
		for _, prefix := range cfg.Providers[name].ModelPrefixes {
			rules = append(rules, gateway.PrefixRule{Prefix: prefix, Provider: name})
		}
	}
	return rules
}

func breakerConfig(cfg config.CircuitConfig) infra.CircuitBreakerConfig {
	return infra.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
	}
}

func routerConfig(cfg config.RetryConfig) agent.RouterConfig {
	return agent.RouterConfig{
		MaxRetries: cfg.MaxRetries,
		Policy: backoff.BackoffPolicy{
			Initial: cfg.InitialBackoff,
			Max:     cfg.MaxBackoff,
			Factor:  cfg.Factor,
			Jitter:  cfg.Jitter,
		},
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		DefaultModel:        cfg.LLM.DefaultModel,
		DefaultSystemPrompt: cfg.LLM.SystemPrompt,
		Loop: gateway.LoopConfig{
			MaxIterations:        cfg.LLM.MaxIterations,
			MaxConsecutiveErrors: cfg.LLM.MaxConsecutiveErrors,
			ValidationTimeout:    cfg.Validation.Timeout,
			HideDirectToolCalls:  cfg.Validation.HideDirectToolCalls,
		},
		Router: routerConfig(cfg.LLM.Retry),
	}
}

func poolConfig(cfg config.DatabaseConfig) *storage.PoolConfig {
	return &storage.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}
}

// openSQLStore connects to the configured SQL database.
func openSQLStore(cfg config.DatabaseConfig) (*storage.SQLStore, error) {
	switch cfg.Driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("database driver %q has no schema to migrate", cfg.Driver)
	}
	return storage.Open(storage.Dialect(cfg.Driver), cfg.DSN, poolConfig(cfg))
}

// openStore opens the configured store and applies pending migrations when
// auto_migrate is set.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory storage; validations and executions are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	store, err := openSQLStore(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoMigrate {
		return store, nil
	}
	migrator, err := storage.NewMigrator(store.DB(), store.Dialect())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	for _, id := range applied {
		logger.Info("applied migration", "id", id)
	}
	return store, nil
}
