package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/providers"
	"github.com/haasonsaas/toolgate/internal/infra"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/storage"
)

// ErrProviderNotConfigured is returned when a model routes to a provider that
// has neither an admin key nor a key for the calling user.
var ErrProviderNotConfigured = errors.New("provider not configured")

// PrefixRule routes model names starting with Prefix to Provider. When Strip
// is set the prefix is removed before the model id is sent upstream.
type PrefixRule struct {
	Prefix   string `yaml:"prefix" json:"prefix"`
	Provider string `yaml:"provider" json:"provider"`
	Strip    bool   `yaml:"strip" json:"strip,omitempty"`
}

// DefaultPrefixRules is the built-in routing table.
func DefaultPrefixRules() []PrefixRule {
	return []PrefixRule{
		{Prefix: "openrouter/", Provider: "openrouter", Strip: true},
		{Prefix: "groq/", Provider: "groq", Strip: true},
		{Prefix: "ollama/", Provider: "ollama", Strip: true},
		{Prefix: "bedrock/", Provider: "bedrock", Strip: true},
		{Prefix: "anthropic.", Provider: "bedrock"},
		{Prefix: "us.anthropic.", Provider: "bedrock"},
		{Prefix: "eu.anthropic.", Provider: "bedrock"},
		{Prefix: "amazon.", Provider: "bedrock"},
		{Prefix: "meta.", Provider: "bedrock"},
		{Prefix: "claude-", Provider: "anthropic"},
		{Prefix: "gpt-", Provider: "openai"},
		{Prefix: "chatgpt-", Provider: "openai"},
		{Prefix: "o1", Provider: "openai"},
		{Prefix: "o3", Provider: "openai"},
		{Prefix: "o4", Provider: "openai"},
		{Prefix: "gemini-", Provider: "google"},
		{Prefix: "mistral-", Provider: "mistral"},
		{Prefix: "codestral-", Provider: "mistral"},
		{Prefix: "ministral-", Provider: "mistral"},
	}
}

// Route is a resolved model name.
type Route struct {
	Provider string
	Model    string
}

// KeyStore looks up a user's own provider key.
type KeyStore interface {
	GetProviderKey(ctx context.Context, userID, provider string) (string, error)
}

// AdapterFactory builds an adapter from a spec.
type AdapterFactory func(ctx context.Context, spec providers.Spec) (agent.Adapter, error)

// RegistryConfig configures provider routing.
type RegistryConfig struct {
	// Specs lists every provider a request may route to. Providers without
	// an API key are only usable with a per-user key.
	Specs []providers.Spec

	// Rules extend DefaultPrefixRules. A rule with the same prefix replaces the default.
	Rules []PrefixRule

	Breaker infra.CircuitBreakerConfig
}

// Registry owns adapters and breakers per provider. It is built once at
// startup and passed to the gateway.
type Registry struct {
	specs    map[string]providers.Spec
	rules    []PrefixRule
	params   *agent.ParamRegistry
	breakers *infra.CircuitBreakerRegistry
	keys     KeyStore
	factory  AdapterFactory
	logger   *slog.Logger

	mu       sync.RWMutex
	adapters map[string]agent.Adapter
}

// NewRegistry builds admin adapters for every spec with credentials.
// keys may be nil when per-user keys are not supported.
func NewRegistry(ctx context.Context, cfg RegistryConfig, keys KeyStore, metrics *observability.Metrics, logger *slog.Logger) (*Registry, error) {
	return NewRegistryWithFactory(ctx, cfg, keys, providers.New, metrics, logger)
}

// NewRegistryWithFactory is NewRegistry with a custom adapter constructor.
func NewRegistryWithFactory(ctx context.Context, cfg RegistryConfig, keys KeyStore, factory AdapterFactory, metrics *observability.Metrics, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name, from, to string) {
		metrics.RecordCircuitTransition(name, from, to)
		logger.Warn("circuit breaker state change", "provider", name, "from", from, "to", to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	r := &Registry{
		specs:    make(map[string]providers.Spec, len(cfg.Specs)),
		rules:    mergeRules(DefaultPrefixRules(), cfg.Rules),
		params:   agent.NewParamRegistry(),
		breakers: infra.NewCircuitBreakerRegistry(breakerCfg),
		keys:     keys,
		factory:  factory,
		logger:   logger.With("component", "providers"),
		adapters: make(map[string]agent.Adapter),
	}

	for _, spec := range cfg.Specs {
		if _, dup := r.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", spec.Name)
		}
		r.specs[spec.Name] = spec
		if !hasAdminCredentials(spec) {
			continue
		}
		adapter, err := factory(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
		}
		r.adapters[spec.Name] = adapter
		r.breakers.Get(spec.Name)
	}
	return r, nil
}

func hasAdminCredentials(spec providers.Spec) bool {
	switch providers.KindFor(spec) {
	case "bedrock":
		return true
	default:
		return spec.APIKey != "" || spec.Name == "ollama"
	}
}

// mergeRules overlays extra on base and orders the result longest prefix
// first so resolution is deterministic.
func mergeRules(base, extra []PrefixRule) []PrefixRule {
	byPrefix := make(map[string]PrefixRule, len(base)+len(extra))
	for _, r := range base {
		byPrefix[r.Prefix] = r
	}
	for _, r := range extra {
		byPrefix[r.Prefix] = r
	}
	out := make([]PrefixRule, 0, len(byPrefix))
	for _, r := range byPrefix {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Prefix) != len(out[j].Prefix) {
			return len(out[i].Prefix) > len(out[j].Prefix)
		}
		return out[i].Prefix < out[j].Prefix
	})
	return out
}

// Resolve maps a model name to its provider.
func (r *Registry) Resolve(model string) (Route, error) {
	name := strings.TrimSpace(model)
	for _, rule := range r.rules {
		if !strings.HasPrefix(name, rule.Prefix) {
			continue
		}
		if rule.Strip {
			name = strings.TrimPrefix(name, rule.Prefix)
		}
		if name == "" {
			break
		}
		return Route{Provider: rule.Provider, Model: name}, nil
	}
	return Route{}, fmt.Errorf("%w: %q", agent.ErrUnknownModel, model)
}

// Adapter returns the adapter to use for provider on behalf of userID. A key
// stored for the user takes precedence over the admin key.
func (r *Registry) Adapter(ctx context.Context, provider, userID string) (agent.Adapter, error) {
	if r.keys != nil && userID != "" {
		key, err := r.keys.GetProviderKey(ctx, userID, provider)
		switch {
		case err == nil && key != "":
			spec, ok := r.specs[provider]
			if !ok {
				spec = providers.Spec{Name: provider}
			}
			spec.APIKey = key
			adapter, err := r.factory(ctx, spec)
			if err != nil {
				return nil, fmt.Errorf("build %s adapter for user key: %w", provider, err)
			}
			return adapter, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load provider key: %w", err)
		}
	}

	r.mu.RLock()
	adapter, ok := r.adapters[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	return adapter, nil
}

// Breaker returns the provider's circuit breaker.
func (r *Registry) Breaker(provider string) *infra.CircuitBreaker {
	return r.breakers.Get(provider)
}

// BreakerStats reports every breaker.
func (r *Registry) BreakerStats() []infra.CircuitBreakerStats {
	return r.breakers.Stats()
}

// OpenCircuits lists the providers whose breaker is open.
func (r *Registry) OpenCircuits() []string {
	return r.breakers.OpenCircuits()
}

// ResetBreaker closes provider's breaker. It reports false when the provider
// has no breaker.
func (r *Registry) ResetBreaker(provider string) bool {
	cb, ok := r.breakers.Lookup(provider)
	if !ok {
		return false
	}
	cb.Reset()
	r.logger.Info("circuit breaker reset", "provider", provider)
	return true
}

// ResetBreakers closes every breaker.
func (r *Registry) ResetBreakers() {
	r.breakers.ResetAll()
	r.logger.Info("all circuit breakers reset")
}

// TransformParams adapts unified params for provider. Custom providers
// without their own table use the table of their wire protocol.
func (r *Registry) TransformParams(provider string, params agent.Params) (agent.Params, error) {
	if len(r.params.Supported(provider)) == 0 {
		if spec, ok := r.specs[provider]; ok {
			return r.params.TransformParams(providers.KindFor(spec), params)
		}
	}
	return r.params.TransformParams(provider, params)
}

// Providers returns the names of providers with admin adapters.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListModels queries every admin adapter. A provider that fails is logged
// and skipped.
func (r *Registry) ListModels(ctx context.Context) []agent.Model {
	var models []agent.Model
	for _, name := range r.Providers() {
		r.mu.RLock()
		adapter := r.adapters[name]
		r.mu.RUnlock()

		list, err := adapter.ListModels(ctx)
		if err != nil {
			r.logger.Warn("list models failed", "provider", name, "error", err)
			continue
		}
		models = append(models, list...)
	}
	return models
}
