package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/toolgate/internal/agent"
)

// Spec describes one configured provider.
type Spec struct {
	// Name is the provider name used for routing, breakers and params.
	Name string

	// Kind selects the wire protocol: openai, anthropic, bedrock or google.
	// Empty means the protocol is inferred from Name.
	Kind string

	APIKey  string
	BaseURL string

	// Bedrock only.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// compatibleBaseURLs are the endpoints of providers that speak the OpenAI protocol.
var compatibleBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"ollama":     "http://localhost:11434/v1",
}

// KindFor returns the wire protocol for a spec.
func KindFor(spec Spec) string {
	if kind := strings.ToLower(strings.TrimSpace(spec.Kind)); kind != "" {
		return kind
	}
	switch name := strings.ToLower(spec.Name); name {
	case "anthropic", "bedrock", "google":
		return name
	default:
		return "openai"
	}
}

// New builds the adapter for one provider spec.
func New(ctx context.Context, spec Spec) (agent.Adapter, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	switch kind := KindFor(spec); kind {
	case "openai":
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = compatibleBaseURLs[spec.Name]
		}
		return NewOpenAIAdapter(OpenAIConfig{Name: spec.Name, APIKey: spec.APIKey, BaseURL: baseURL}), nil
	case "anthropic":
		return NewAnthropicAdapter(AnthropicConfig{APIKey: spec.APIKey, BaseURL: spec.BaseURL})
	case "bedrock":
		return NewBedrockAdapter(ctx, BedrockConfig{
			Region:          spec.Region,
			AccessKeyID:     spec.AccessKeyID,
			SecretAccessKey: spec.SecretAccessKey,
			SessionToken:    spec.SessionToken,
		})
	case "google":
		return NewGoogleAdapter(ctx, GoogleConfig{APIKey: spec.APIKey})
	default:
		return nil, fmt.Errorf("%w: kind %q for provider %s", agent.ErrUnknownProvider, kind, spec.Name)
	}
}

// NewAll builds adapters keyed by provider name.
func NewAll(ctx context.Context, specs []Spec) (map[string]agent.Adapter, error) {
	adapters := make(map[string]agent.Adapter, len(specs))
	for _, spec := range specs {
		if _, dup := adapters[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", spec.Name)
		}
		adapter, err := New(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
		}
		adapters[spec.Name] = adapter
	}
	return adapters, nil
}
