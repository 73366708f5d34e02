package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "models", "validations", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnvVar, "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath(\"\") = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}

	t.Setenv(configEnvVar, "/etc/toolgate/prod.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/toolgate/prod.yaml" {
		t.Errorf("env path = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path should win over env, got %q", got)
	}
}

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(body)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestConfigValidateCommand(t *testing.T) {
	valid := writeConfigFile(t, `
version: 1
tools:
  servers:
    - id: docs
      url: https://docs.example.com/mcp
`)
	out, err := execute(t, "config", "validate", "--config", valid)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "1 servers") {
		t.Errorf("output = %q", out)
	}

	invalid := writeConfigFile(t, "version: 1\ndatabase:\n  driver: mysql\n")
	if _, err := execute(t, "config", "validate", "--config", invalid); err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Errorf("expected database.driver error, got %v", err)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
	if schema["title"] != "toolgate configuration" {
		t.Errorf("title = %v", schema["title"])
	}
}

func TestMigrateCommandsRequireSQL(t *testing.T) {
	path := writeConfigFile(t, "version: 1\n")
	if _, err := execute(t, "migrate", "status", "--config", path); err == nil {
		t.Fatal("expected an error for the memory driver")
	}
	if _, err := execute(t, "validations", "list", "--user", "u1", "--config", path); err == nil {
		t.Fatal("expected validations to refuse the memory driver")
	}
}

func TestMigrateAndDecideWithSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "toolgate.db")
	path := writeConfigFile(t, `
version: 1
database:
  driver: sqlite
  dsn: `+dsn+`
`)

	out, err := execute(t, "migrate", "up", "--config", path)
	if err != nil {
		t.Fatalf("migrate up error = %v", err)
	}
	if !strings.Contains(out, "Applied") {
		t.Fatalf("migrate up output = %q", out)
	}
	out, err = execute(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status error = %v", err)
	}
	if !strings.Contains(out, "Pending migrations:\n  (none)") {
		t.Errorf("status output = %q", out)
	}

	store, err := storage.Open(storage.DialectSQLite, dsn, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	expires := time.Now().Add(time.Hour)
	var ids []string
	for _, tool := range []string{"send_email", "delete_file"} {
		v := &models.Validation{
			UserID: "u1", ChatID: "c1", Title: "Run " + tool,
			Source: models.SourceToolCall, Process: models.ProcessLLMStream,
			ToolName: tool, ServerID: "ops", ExpiresAt: &expires,
		}
		if err := store.CreateValidation(context.Background(), v); err != nil {
			t.Fatalf("CreateValidation() error = %v", err)
		}
		ids = append(ids, v.ID)
	}
	store.Close()

	out, err = execute(t, "validations", "list", "--user", "u1", "--config", path)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "send_email") || !strings.Contains(out, "delete_file") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := execute(t, "validations", "reject", ids[0], "--user", "u2", "--config", path); err == nil {
		t.Fatal("expected another user's rejection to fail")
	}
	out, err = execute(t, "validations", "reject", ids[0], "--user", "u1", "--reason", "not now", "--config", path)
	if err != nil {
		t.Fatalf("reject error = %v", err)
	}
	if !strings.Contains(out, "rejected") {
		t.Errorf("reject output = %q", out)
	}

	// Rejection cancels the rest of the chat's pending calls.
	out, err = execute(t, "validations", "list", "--user", "u1", "--json", "--config", path)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	var pending []*models.Validation
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("decode list: %v (%q)", err, out)
	}
	if len(pending) != 0 {
		t.Errorf("pending after rejection = %d", len(pending))
	}
}

func TestOfflineConfigDisablesAutoMigrate(t *testing.T) {
	cfg := config.Default()
	cfg.Database.AutoMigrate = true
	if offlineConfig(cfg).Database.AutoMigrate {
		t.Error("offline config kept auto_migrate")
	}
	if !cfg.Database.AutoMigrate {
		t.Error("offlineConfig mutated its input")
	}
}
