package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

func TestProviderSpecsAndRules(t *testing.T) {
	cfg := config.LLMConfig{Providers: map[string]config.LLMProviderConfig{
		"openai": {APIKey: "sk-1"},
		"local":  {Kind: "openai", BaseURL: "http://localhost:8000/v1", ModelPrefixes: []string{"qwen-", "llama-"}},
		"bedrock": {
			Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "secret",
		},
	}}

	specs := providerSpecs(cfg)
	if len(specs) != 3 || specs[0].Name != "bedrock" || specs[1].Name != "local" || specs[2].Name != "openai" {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Region != "us-east-1" || specs[0].SecretAccessKey != "secret" {
		t.Errorf("bedrock spec = %+v", specs[0])
	}
	if specs[1].Kind != "openai" || specs[1].BaseURL != "http://localhost:8000/v1" {
		t.Errorf("local spec = %+v", specs[1])
	}

	rules := prefixRules(cfg)
	want := []gateway.PrefixRule{
		{Prefix: "qwen-", Provider: "local"},
		{Prefix: "llama-", Provider: "local"},
	}
	if len(rules) != len(want) {
		t.Fatalf("rules = %+v", rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Errorf("rules[%d] = %+v, want %+v", i, rules[i], want[i])
		}
	}
}

func TestGatewayConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Retry.Jitter = 0.2
	cfg.Validation.Timeout = 10 * time.Minute
	cfg.Validation.HideDirectToolCalls = true

	gc := gatewayConfig(cfg)
	if gc.DefaultModel != "gpt-4o-mini" {
		t.Errorf("default model = %q", gc.DefaultModel)
	}
	if gc.Loop.MaxIterations != 25 || gc.Loop.MaxConsecutiveErrors != 5 {
		t.Errorf("loop = %+v", gc.Loop)
	}
	if gc.Loop.ValidationTimeout != 10*time.Minute || !gc.Loop.HideDirectToolCalls {
		t.Errorf("loop validation settings = %+v", gc.Loop)
	}
	if gc.Router.MaxRetries != 3 || gc.Router.Policy.Initial != time.Second ||
		gc.Router.Policy.Max != 30*time.Second || gc.Router.Policy.Factor != 2 || gc.Router.Policy.Jitter != 0.2 {
		t.Errorf("router = %+v", gc.Router)
	}

	bc := breakerConfig(cfg.LLM.Circuit)
	if bc.FailureThreshold != 5 || bc.SuccessThreshold != 1 || bc.RecoveryTimeout != time.Minute {
		t.Errorf("breaker = %+v", bc)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	mem, err := openStore(ctx, config.DatabaseConfig{Driver: "memory"}, logger)
	if err != nil {
		t.Fatalf("memory store error = %v", err)
	}
	if _, ok := mem.(*storage.MemoryStore); !ok {
		t.Errorf("memory driver returned %T", mem)
	}

	db := config.Default().Database
	db.Driver = "sqlite"
	db.DSN = filepath.Join(t.TempDir(), "toolgate.db")
	db.AutoMigrate = true
	store, err := openStore(ctx, db, logger)
	if err != nil {
		t.Fatalf("sqlite store error = %v", err)
	}
	defer store.Close()

	// The schema exists, so a write succeeds straight away.
	if err := store.PutUser(ctx, &models.User{ID: "u1", PermissionLevel: models.PermissionFullAuto}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	if _, err := openSQLStore(config.DatabaseConfig{Driver: "memory"}); err == nil {
		t.Error("expected openSQLStore to refuse the memory driver")
	}
}

func TestNewAppWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Validation.DefaultPermission = models.PermissionFullAuto

	a, err := newApp(context.Background(), cfg, slog.Default(), nil, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	// Built-in tools are offered and run without approval.
	var found bool
	for _, tool := range a.gateway.Tools() {
		if tool.Name == "current_time" {
			found = true
		}
	}
	if !found {
		t.Fatalf("internal tools missing from %v", a.gateway.Tools())
	}
	decision, _, err := a.gate.ShouldExecute(context.Background(), "u1", "", "send_email", "mail")
	if err != nil || decision != approval.DecisionExecute {
		t.Errorf("ShouldExecute() = %v, %v", decision, err)
	}

	next := config.Default()
	next.Validation.DefaultPermission = models.PermissionNoTools
	a.applyConfig(next)
	decision, _, err = a.gate.ShouldExecute(context.Background(), "u1", "", "send_email", "mail")
	if err != nil || decision != approval.DecisionDeny {
		t.Errorf("after reload ShouldExecute() = %v, %v", decision, err)
	}
}
