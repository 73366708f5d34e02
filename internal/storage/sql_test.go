package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewSQLStore(db, DialectPostgres)
	store.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return mock, store
}

func validationRow(id, status string) *sqlmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "agent_id", "chat_id", "message_id", "title", "description", "source", "process", "status",
		"tool_name", "server_id", "tool_call_id", "tool_args", "tool_result", "feedback", "reason", "execution_id",
		"expires_at", "expired_at", "created_at", "updated_at",
	}).AddRow(
		id, "u1", "", "c1", "m1", "Run get_weather", "", "tool_call", "llm_stream", status,
		"get_weather", "weather", "call_1", `{"city":"Paris"}`, nil, "", "", "",
		nil, nil, now, now,
	)
}

func TestSQLStoreCreateValidation(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO validations").
					WithArgs("v1", "u1", "", "c1", "m1", "Run get_weather", "", "tool_call", "llm_stream", "pending",
						"get_weather", "weather", "call_1", `{"city":"Paris"}`, nil, "", "", "",
						nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "duplicate",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO validations").
					WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "validations_pkey"`))
			},
			wantErr: ErrAlreadyExists,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t)
			tt.setupMock(mock)

			err := store.CreateValidation(context.Background(), &models.Validation{
				ID: "v1", UserID: "u1", ChatID: "c1", MessageID: "m1", Title: "Run get_weather",
				Source: models.SourceToolCall, Process: models.ProcessLLMStream,
				ToolName: "get_weather", ServerID: "weather", ToolCallID: "call_1",
				ToolArgs: map[string]any{"city": "Paris"},
			})
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLStoreGetValidation(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM validations WHERE id =").
		WithArgs("v1").
		WillReturnRows(validationRow("v1", "pending"))
	mock.ExpectQuery("SELECT (.+) FROM validations WHERE id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	v, err := store.GetValidation(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GetValidation() error = %v", err)
	}
	if v.Status != models.ValidationPending || v.ToolArgs["city"] != "Paris" || v.ToolResult != nil {
		t.Errorf("validation = %+v", v)
	}
	if v.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", v.ExpiresAt)
	}

	if _, err := store.GetValidation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreUpdateValidationStatus(t *testing.T) {
	t.Run("pending row is updated", func(t *testing.T) {
		mock, store := setupMockDB(t)
		mock.ExpectExec("UPDATE validations").
			WithArgs("approved", nil, "", "", nil, sqlmock.AnyArg(), "v1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT (.+) FROM validations").
			WithArgs("v1").
			WillReturnRows(validationRow("v1", "approved"))

		v, err := store.UpdateValidationStatus(context.Background(), "v1", models.ValidationUpdate{Status: models.ValidationApproved})
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if v.Status != models.ValidationApproved {
			t.Errorf("status = %s", v.Status)
		}
	})

	t.Run("resolved row is a conflict", func(t *testing.T) {
		mock, store := setupMockDB(t)
		mock.ExpectExec("UPDATE validations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM validations").
			WithArgs("v1").
			WillReturnRows(validationRow("v1", "rejected"))

		_, err := store.UpdateValidationStatus(context.Background(), "v1", models.ValidationUpdate{Status: models.ValidationApproved})
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("error = %v, want ErrNotPending", err)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		mock, store := setupMockDB(t)
		mock.ExpectExec("UPDATE validations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM validations").WillReturnError(sql.ErrNoRows)

		_, err := store.UpdateValidationStatus(context.Background(), "v1", models.ValidationUpdate{Status: models.ValidationApproved})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLStoreCancelAllPending(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery("UPDATE validations SET status = 'cancelled'").
		WithArgs(sqlmock.AnyArg(), "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("v2").AddRow("v3"))

	ids, err := store.CancelAllPendingValidations(context.Background(), "c1")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "v2" {
		t.Errorf("ids = %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreCheckToolCache(t *testing.T) {
	mock, store := setupMockDB(t)
	key := models.ToolCacheKey{UserID: "u1", ToolName: "search", ServerID: "web"}

	mock.ExpectQuery("SELECT 1 FROM tool_logs").
		WithArgs("u1", "", "search", "web", true).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM tool_logs").
		WillReturnError(sql.ErrNoRows)

	if hit, err := store.CheckToolCache(context.Background(), key); err != nil || !hit {
		t.Fatalf("hit = %v err = %v", hit, err)
	}
	if hit, err := store.CheckToolCache(context.Background(), key); err != nil || hit {
		t.Fatalf("hit = %v err = %v", hit, err)
	}
}

func TestSQLStoreUpdateMessageMetadata(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT metadata FROM messages").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow(`{"type":"tool_call","status":"pending"}`))
	mock.ExpectExec("UPDATE messages SET metadata").
		WithArgs(`{"status":"executed","type":"tool_call"}`, "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.UpdateMessageMetadata(context.Background(), "m1", map[string]any{"status": "executed"}); err != nil {
		t.Fatalf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreGetProviderKeyNotFound(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery("SELECT api_key FROM provider_keys").
		WithArgs("u1", "openai").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetProviderKey(context.Background(), "u1", "openai"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMigratorUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))
	for _, m := range migrator.Migrations() {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(m.ID).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(applied) != len(migrator.Migrations()) {
		t.Errorf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
