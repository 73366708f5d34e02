package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/toolgate/internal/agent"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{Name: "openai"}, "openai"},
		{Spec{Name: "groq"}, "openai"},
		{Spec{Name: "anthropic"}, "anthropic"},
		{Spec{Name: "bedrock"}, "bedrock"},
		{Spec{Name: "google"}, "google"},
		{Spec{Name: "corp-claude", Kind: "Anthropic"}, "anthropic"},
	}
	for _, tt := range tests {
		if got := KindFor(tt.spec); got != tt.want {
			t.Errorf("KindFor(%+v) = %s, want %s", tt.spec, got, tt.want)
		}
	}
}

func TestNewAll(t *testing.T) {
	adapters, err := NewAll(context.Background(), []Spec{
		{Name: "openai", APIKey: "k"},
		{Name: "ollama"},
		{Name: "anthropic", APIKey: "k"},
	})
	if err != nil {
		t.Fatalf("NewAll() error = %v", err)
	}
	if len(adapters) != 3 || adapters["ollama"].Name() != "ollama" {
		t.Errorf("adapters = %v", adapters)
	}

	if _, err := NewAll(context.Background(), []Spec{{Name: "openai"}, {Name: "openai"}}); err == nil {
		t.Error("expected duplicate error")
	}
	if _, err := New(context.Background(), Spec{Name: "x", Kind: "cohere"}); !errors.Is(err, agent.ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
	if _, err := New(context.Background(), Spec{Name: "anthropic"}); err == nil {
		t.Error("anthropic without key should fail")
	}
}
