package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/providers"
	"github.com/haasonsaas/toolgate/internal/storage"
)

type specRecorder struct {
	mu    sync.Mutex
	specs []providers.Spec
}

func (r *specRecorder) factory(ctx context.Context, spec providers.Spec) (agent.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return &scriptedAdapter{name: spec.Name}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistryWithFactory(context.Background(), RegistryConfig{
		Rules: []PrefixRule{
			{Prefix: "acme-", Provider: "acme"},
			{Prefix: "o1", Provider: "azure"},
		},
	}, nil, (&specRecorder{}).factory, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}

	tests := []struct {
		model    string
		provider string
		upstream string
		wantErr  bool
	}{
		{model: "gpt-4o-mini", provider: "openai", upstream: "gpt-4o-mini"},
		{model: "claude-sonnet-4-20250514", provider: "anthropic", upstream: "claude-sonnet-4-20250514"},
		{model: "anthropic.claude-3-5-sonnet-20240620-v1:0", provider: "bedrock", upstream: "anthropic.claude-3-5-sonnet-20240620-v1:0"},
		{model: "us.anthropic.claude-3-haiku", provider: "bedrock", upstream: "us.anthropic.claude-3-haiku"},
		{model: "gemini-2.0-flash", provider: "google", upstream: "gemini-2.0-flash"},
		{model: "mistral-large-latest", provider: "mistral", upstream: "mistral-large-latest"},
		{model: "openrouter/meta-llama/llama-3.1-70b", provider: "openrouter", upstream: "meta-llama/llama-3.1-70b"},
		{model: "groq/llama-3.3-70b", provider: "groq", upstream: "llama-3.3-70b"},
		{model: "ollama/qwen2.5", provider: "ollama", upstream: "qwen2.5"},
		{model: "acme-large", provider: "acme", upstream: "acme-large"},
		{model: "o1-preview", provider: "azure", upstream: "o1-preview"},
		{model: "openrouter/", wantErr: true},
		{model: "llama3", wantErr: true},
		{model: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			route, err := reg.Resolve(tt.model)
			if tt.wantErr {
				if !errors.Is(err, agent.ErrUnknownModel) {
					t.Fatalf("Resolve(%q) err = %v, want ErrUnknownModel", tt.model, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.model, err)
			}
			if route.Provider != tt.provider || route.Model != tt.upstream {
				t.Errorf("Resolve(%q) = %+v, want %s/%s", tt.model, route, tt.provider, tt.upstream)
			}
		})
	}
}

func TestRegistryAdapterSelection(t *testing.T) {
	ctx := context.Background()
	rec := &specRecorder{}
	store := storage.NewMemoryStore()
	if err := store.PutProviderKey(ctx, "u2", "anthropic", "sk-ant-user"); err != nil {
		t.Fatalf("PutProviderKey: %v", err)
	}

	reg, err := NewRegistryWithFactory(ctx, RegistryConfig{Specs: []providers.Spec{
		{Name: "openai", APIKey: "sk-admin"},
		{Name: "anthropic"},
		{Name: "ollama", BaseURL: "http://localhost:11434/v1"},
	}}, store, rec.factory, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}

	if got := reg.Providers(); len(got) != 2 || got[0] != "ollama" || got[1] != "openai" {
		t.Errorf("Providers() = %v, want [ollama openai]", got)
	}

	if _, err := reg.Adapter(ctx, "anthropic", "u1"); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("anthropic without key: err = %v", err)
	}

	adapter, err := reg.Adapter(ctx, "anthropic", "u2")
	if err != nil {
		t.Fatalf("Adapter with user key: %v", err)
	}
	if adapter.Name() != "anthropic" {
		t.Errorf("adapter = %s", adapter.Name())
	}
	last := rec.specs[len(rec.specs)-1]
	if last.APIKey != "sk-ant-user" {
		t.Errorf("ad hoc adapter key = %q", last.APIKey)
	}

	built := len(rec.specs)
	if _, err := reg.Adapter(ctx, "openai", "u2"); err != nil {
		t.Fatalf("Adapter admin fallback: %v", err)
	}
	if len(rec.specs) != built {
		t.Error("admin adapter rebuilt per request")
	}
}

func TestRegistryDuplicateProvider(t *testing.T) {
	_, err := NewRegistryWithFactory(context.Background(), RegistryConfig{Specs: []providers.Spec{
		{Name: "openai", APIKey: "a"},
		{Name: "openai", APIKey: "b"},
	}}, nil, (&specRecorder{}).factory, nil, nil)
	if err == nil {
		t.Fatal("expected duplicate provider error")
	}
}

func TestRegistryTransformParams(t *testing.T) {
	reg, err := NewRegistryWithFactory(context.Background(), RegistryConfig{Specs: []providers.Spec{
		{Name: "anthropic", APIKey: "k"},
		{Name: "acme", Kind: "anthropic", APIKey: "k"},
	}}, nil, (&specRecorder{}).factory, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}

	for _, provider := range []string{"anthropic", "acme"} {
		t.Run(provider, func(t *testing.T) {
			out, err := reg.TransformParams(provider, agent.Params{"temperature": 1.7, "frequency_penalty": 1})
			if err != nil {
				t.Fatalf("TransformParams: %v", err)
			}
			if temp, _ := out.Float("temperature"); temp != 1 {
				t.Errorf("temperature = %v, want clamped to 1", out["temperature"])
			}
			if _, ok := out["frequency_penalty"]; ok {
				t.Error("unsupported key kept")
			}
			if max, _ := out.Int("max_tokens"); max != 4096 {
				t.Errorf("max_tokens = %v, want default 4096", out["max_tokens"])
			}
		})
	}

	if _, err := reg.TransformParams("nowhere", nil); !errors.Is(err, agent.ErrUnknownProvider) {
		t.Errorf("unknown provider err = %v", err)
	}
}

func TestRegistryListModels(t *testing.T) {
	reg, err := NewRegistryWithFactory(context.Background(), RegistryConfig{Specs: []providers.Spec{
		{Name: "openai", APIKey: "k"},
	}}, nil, (&specRecorder{}).factory, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}
	models := reg.ListModels(context.Background())
	if len(models) != 1 || models[0].Provider != "openai" {
		t.Errorf("ListModels = %+v", models)
	}
}
