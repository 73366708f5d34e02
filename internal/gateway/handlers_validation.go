package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/mcp"
)

type approveRequest struct {
	AlwaysAllow bool `json:"always_allow"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

// writeGateError maps validation errors to their HTTP status.
func (s *Server) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	if stateErr, ok := approval.AsValidationStateError(err); ok {
		writeError(w, stateErr.HTTPStatus(), stateErr.Error())
		return
	}
	s.logger.ErrorContext(r.Context(), "validation request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleListValidations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	list, err := s.gate.ListPending(r.Context(), userID, limit)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"validations": list})
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	v, err := s.gate.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body approveRequest
	if !decodeBody(w, r, &body) {
		return
	}
	v, err := s.gate.Approve(r.Context(), r.PathValue("id"), userID, body.AlwaysAllow)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body rejectRequest
	if !decodeBody(w, r, &body) {
		return
	}
	v, err := s.gate.Reject(r.Context(), r.PathValue("id"), userID, strings.TrimSpace(body.Reason))
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body feedbackRequest
	if !decodeBody(w, r, &body) {
		return
	}
	text := strings.TrimSpace(body.Feedback)
	if text == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	v, err := s.gate.Feedback(r.Context(), r.PathValue("id"), userID, text)
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := s.gateway.Providers().ListModels(r.Context())
	if list == nil {
		list = []agent.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	servers := []mcp.ServerStatus{}
	if s.tools != nil {
		servers = s.tools.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":   s.gateway.Tools(),
		"servers": servers,
	})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	reg := s.gateway.Providers()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": reg.Providers(),
		"circuits":  reg.BreakerStats(),
		"open":      openCircuits(reg),
	})
}

func openCircuits(reg *Registry) []string {
	if open := reg.OpenCircuits(); open != nil {
		return open
	}
	return []string{}
}

// handleResetBreaker closes one provider's breaker, or every breaker when
// no provider is named.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	reg := s.gateway.Providers()
	provider := r.PathValue("provider")
	if provider == "" {
		reg.ResetBreakers()
	} else if !reg.ResetBreaker(provider) {
		writeError(w, http.StatusNotFound, "unknown provider "+provider)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": reg.BreakerStats(),
		"open":     openCircuits(reg),
	})
}

// statusForError maps gateway errors raised before streaming starts.
func statusForError(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownModel), errors.Is(err, ErrProviderNotConfigured), errors.Is(err, agent.ErrUnknownProvider):
		return http.StatusBadRequest
	case unavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
