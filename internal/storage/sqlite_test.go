package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "toolgate.db")
	store, err := Open(DialectSQLite, dsn, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	migrator, err := NewMigrator(store.DB(), DialectSQLite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := migrator.Up(context.Background(), 0); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	expires := time.Now().Add(-time.Minute)
	v := &models.Validation{
		UserID: "u1", ChatID: "c1", Title: "Run search", Source: models.SourceToolCall, Process: models.ProcessLLMStream,
		ToolName: "search", ServerID: "web", ToolArgs: map[string]any{"q": "go"}, ExpiresAt: &expires,
	}
	if err := store.CreateValidation(ctx, v); err != nil {
		t.Fatalf("CreateValidation() error = %v", err)
	}
	got, err := store.GetValidation(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetValidation() error = %v", err)
	}
	if got.ToolArgs["q"] != "go" || got.ExpiresAt == nil {
		t.Errorf("validation = %+v", got)
	}

	expired, err := store.ListExpiredValidations(ctx, time.Now(), 10)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired = %v err = %v", expired, err)
	}

	if _, err := store.UpdateValidationStatus(ctx, v.ID, models.ValidationUpdate{Status: models.ValidationApproved}); err != nil {
		t.Fatalf("UpdateValidationStatus() error = %v", err)
	}
	if _, err := store.UpdateValidationStatus(ctx, v.ID, models.ValidationUpdate{Status: models.ValidationRejected}); !errors.Is(err, ErrNotPending) {
		t.Errorf("second update error = %v, want ErrNotPending", err)
	}
	if err := store.SetValidationResult(ctx, v.ID, map[string]any{"hits": 3}); err != nil {
		t.Fatal(err)
	}

	if err := store.CreateLog(ctx, &models.ToolLog{UserID: "u1", ToolName: "search", ServerID: "web", Status: models.ToolLogSuccess, AlwaysAllow: true}); err != nil {
		t.Fatalf("CreateLog() error = %v", err)
	}
	hit, err := store.CheckToolCache(ctx, models.ToolCacheKey{UserID: "u1", ToolName: "search", ServerID: "web"})
	if err != nil || !hit {
		t.Errorf("cache hit = %v err = %v", hit, err)
	}

	msg := &models.Message{ChatID: "c1", Role: models.RoleAssistant, Metadata: map[string]any{"type": "tool_call", "status": "pending"}}
	if err := store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := store.UpdateMessageMetadata(ctx, msg.ID, map[string]any{"status": "executed"}); err != nil {
		t.Fatalf("UpdateMessageMetadata() error = %v", err)
	}
	msgs, err := store.ListMessages(ctx, "c1")
	if err != nil || len(msgs) != 1 || msgs[0].Metadata["status"] != "executed" {
		t.Errorf("messages = %v err = %v", msgs, err)
	}

	for _, id := range []string{"p1", "p2"} {
		_ = store.CreateValidation(ctx, &models.Validation{ID: id, UserID: "u1", ChatID: "c9", Title: id, Source: models.SourceToolCall, Process: models.ProcessLLMStream})
	}
	ids, err := store.CancelAllPendingValidations(ctx, "c9")
	if err != nil || len(ids) != 2 {
		t.Errorf("cancelled = %v err = %v", ids, err)
	}
}

func TestSQLiteExecutions(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	exec := &models.Execution{
		ID:     "e1",
		UserID: "u1",
		Step: models.StepConfig{
			ID:      "s1",
			Type:    models.StepMCPCall,
			MCPCall: &models.MCPCallStep{ServerID: "web", ToolName: "search"},
		},
		Status:   models.ExecutionPaused,
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}
	exec.Status = models.ExecutionCompleted
	exec.Output = "done"
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution() upsert error = %v", err)
	}

	got, err := store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != models.ExecutionCompleted || got.Output != "done" || got.Step.MCPCall == nil || len(got.Messages) != 1 {
		t.Errorf("execution = %+v", got)
	}
	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v", err)
	}
}
