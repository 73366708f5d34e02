package automation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func newTestMux(f *fixture) *http.ServeMux {
	h := NewHandler(f.runner)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/executions", h.Run)
	mux.HandleFunc("GET /v1/executions/{id}", h.Get)
	return mux
}

func TestHandlerRun(t *testing.T) {
	tests := []struct {
		name       string
		permission models.PermissionLevel
		userID     string
		body       string
		wantStatus int
		wantState  models.ExecutionStatus
	}{
		{
			name:       "completes",
			permission: models.PermissionFullAuto,
			userID:     "u1",
			body:       `{"execution_id":"exec-1","step":{"id":"s1","type":"mcp_call","config":{"server_id":"docs","tool_name":"search"}}}`,
			wantStatus: http.StatusOK,
			wantState:  models.ExecutionCompleted,
		},
		{
			name:       "pauses for validation",
			permission: models.PermissionValidationRequired,
			userID:     "u1",
			body:       `{"execution_id":"exec-2","step":{"id":"s1","type":"mcp_call","config":{"server_id":"mail","tool_name":"send_email"}}}`,
			wantStatus: http.StatusAccepted,
			wantState:  models.ExecutionPaused,
		},
		{
			name:       "missing user",
			body:       `{"step":{"id":"s1","type":"mcp_call","config":{"server_id":"docs","tool_name":"search"}}}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "engine step",
			userID:     "u1",
			body:       `{"step":{"id":"s1","type":"delay","config":{"seconds":5}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "malformed body",
			userID:     "u1",
			body:       `{"step":`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.permission != "" {
				if err := f.store.PutUser(context.Background(), &models.User{ID: tt.userID, PermissionLevel: tt.permission}); err != nil {
					t.Fatalf("PutUser: %v", err)
				}
			}
			req := httptest.NewRequest(http.MethodPost, "/v1/executions", strings.NewReader(tt.body))
			if tt.userID != "" {
				req.Header.Set(userIDHeader, tt.userID)
			}
			rec := httptest.NewRecorder()
			newTestMux(f).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantState == "" {
				return
			}
			var exec models.Execution
			if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if exec.Status != tt.wantState {
				t.Errorf("status = %s, want %s", exec.Status, tt.wantState)
			}
			if tt.wantState == models.ExecutionPaused && exec.ValidationID == "" {
				t.Error("paused execution has no validation id")
			}
		})
	}
}

func TestHandlerGetScopesToOwner(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SaveExecution(context.Background(), &models.Execution{
		ID:     "exec-1",
		UserID: "u1",
		Step:   models.StepConfig{Type: models.StepDelay, Delay: &models.DelayStep{Seconds: 1}},
		Status: models.ExecutionCompleted,
	}); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	mux := newTestMux(f)

	for _, tc := range []struct {
		user string
		path string
		want int
	}{
		{"u1", "/v1/executions/exec-1", http.StatusOK},
		{"u2", "/v1/executions/exec-1", http.StatusNotFound},
		{"u1", "/v1/executions/missing", http.StatusNotFound},
		{"", "/v1/executions/exec-1", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.user != "" {
			req.Header.Set(userIDHeader, tc.user)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("GET %s as %q = %d, want %d", tc.path, tc.user, rec.Code, tc.want)
		}
	}
}
