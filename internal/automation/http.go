package automation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

const userIDHeader = "X-User-ID"

// Handler serves the execution API:
//
//	POST /v1/executions       run a tool step
//	GET  /v1/executions/{id}  fetch an execution
type Handler struct {
	runner *Runner
}

// NewHandler creates the execution API handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

type runRequest struct {
	ExecutionID string            `json:"execution_id"`
	AgentID     string            `json:"agent_id"`
	Step        models.StepConfig `json:"step"`
	Input       string            `json:"input"`
}

// Run executes the posted step and returns the execution. A paused
// execution answers 202.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing " + userIDHeader + " header"})
		return
	}
	var body runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	exec, err := h.runner.RunToolStep(r.Context(), StepRequest{
		ExecutionID: body.ExecutionID,
		UserID:      userID,
		AgentID:     body.AgentID,
		Step:        body.Step,
		Input:       body.Input,
	})
	switch {
	case errors.Is(err, ErrExternalStep):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	case err != nil && exec == nil:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	case err != nil:
		h.runner.logger.ErrorContext(r.Context(), "execution failed", "execution_id", exec.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	status := http.StatusOK
	if exec.Status == models.ExecutionPaused {
		status = http.StatusAccepted
	}
	writeJSON(w, status, exec)
}

// Get returns an execution owned by the caller.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing " + userIDHeader + " header"})
		return
	}
	exec, err := h.runner.store.GetExecution(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) || (err == nil && exec.UserID != userID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "execution not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
