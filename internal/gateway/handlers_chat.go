package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// chatRequest starts a stream. Either Message (appended to the stored
// chat) or Messages (a stateless conversation) must be set.
type chatRequest struct {
	Model    string          `json:"model,omitempty"`
	Message  string          `json:"message,omitempty"`
	Messages []agent.Message `json:"messages,omitempty"`
	System   string          `json:"system,omitempty"`
	Params   agent.Params    `json:"params,omitempty"`
	AgentID  string          `json:"agent_id,omitempty"`
	Tools    []string        `json:"tools,omitempty"`
}

// streamEnd is the final SSE/WebSocket event of a run.
type streamEnd struct {
	Kind         StepKind `json:"kind,omitempty"`
	StopReason   string   `json:"stop_reason,omitempty"`
	ValidationID string   `json:"validation_id,omitempty"`
	Iterations   int      `json:"iterations,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (r *run) end() streamEnd {
	<-r.done
	if r.err != nil {
		return streamEnd{Error: r.err.Error()}
	}
	if r.result == nil {
		return streamEnd{}
	}
	return streamEnd{
		Kind:         r.result.Kind,
		StopReason:   r.result.StopReason,
		ValidationID: r.result.ValidationID,
		Iterations:   r.result.Iterations,
	}
}

// errChatForbidden is returned when a caller touches another user's chat.
var errChatForbidden = errors.New("chat belongs to another user")

// errBadRequest marks client errors raised while starting a run.
type errBadRequest struct{ msg string }

func (e *errBadRequest) Error() string { return e.msg }

// startRun launches the tool loop for a chat in the background. The run
// survives the request that started it so a client can reconnect.
func (s *Server) startRun(ctx context.Context, chatID, userID string, body *chatRequest) (*run, error) {
	model := body.Model
	if model == "" {
		model = s.gateway.config.DefaultModel
	}
	if _, err := s.gateway.Providers().Resolve(model); err != nil {
		return nil, &errBadRequest{msg: err.Error()}
	}

	if existing, ok := s.sessions.Get(chatID); ok && !existing.OwnedBy(userID) {
		return nil, errChatForbidden
	}

	messages := body.Messages
	if len(messages) == 0 {
		if strings.TrimSpace(body.Message) == "" {
			return nil, &errBadRequest{msg: "message is required"}
		}
		if s.messages == nil {
			return nil, &errBadRequest{msg: "stored chats are not available; send messages"}
		}
		history, err := s.messages.ListMessages(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		for _, m := range history {
			if m.UserID != "" && m.UserID != userID {
				return nil, errChatForbidden
			}
		}
		entry := &models.Message{
			ChatID:  chatID,
			UserID:  userID,
			Role:    models.RoleUser,
			Content: body.Message,
		}
		if err := s.messages.CreateMessage(ctx, entry); err != nil {
			return nil, fmt.Errorf("persist message: %w", err)
		}
		messages, _ = RebuildConversation(append(history, entry))
	}

	var tools []models.ToolDefinition
	if len(body.Tools) > 0 {
		tools = filterTools(s.gateway.Tools(), body.Tools)
	}

	session := s.sessions.Create(s.baseCtx, chatID, userID)
	r := &run{session: session, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[chatID] = r
	s.mu.Unlock()

	req := &ToolRequest{
		Model:    model,
		System:   body.System,
		Messages: messages,
		Params:   body.Params,
		Tools:    tools,
		ChatID:   chatID,
		UserID:   userID,
		AgentID:  body.AgentID,
		Session:  session,
	}

	s.runsWG.Add(1)
	go func() {
		defer s.runsWG.Done()
		defer close(r.done)
		defer s.sessions.End(session)

		res, err := s.gateway.StreamWithTools(s.baseCtx, req, session.Feed().Append)
		r.result, r.err = res, err
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("chat stream failed", "chat_id", chatID, "error", err)
		}

		s.mu.Lock()
		if s.runs[chatID] == r {
			delete(s.runs, chatID)
		}
		s.mu.Unlock()
	}()
	return r, nil
}

func filterTools(all []models.ToolDefinition, names []string) []models.ToolDefinition {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]models.ToolDefinition, 0, len(names))
	for _, def := range all {
		if want[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body chatRequest
	if !decodeBody(w, r, &body) {
		return
	}

	run, err := s.startRun(r.Context(), r.PathValue("chatID"), userID, &body)
	if err != nil {
		var bad *errBadRequest
		switch {
		case errors.As(err, &bad):
			writeError(w, http.StatusBadRequest, bad.msg)
		case errors.Is(err, errChatForbidden):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, statusForError(err), err.Error())
		}
		return
	}
	s.serveSSE(w, r, run, 0)
}

// ownedRun returns the chat's active run when userID started it. Another
// user's run is reported as missing.
func (s *Server) ownedRun(chatID, userID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn := s.runs[chatID]
	if rn == nil || !rn.session.OwnedBy(userID) {
		return nil
	}
	return rn
}

// handleEvents reattaches to a running chat stream from an offset.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	run := s.ownedRun(r.PathValue("chatID"), userID)
	if run == nil {
		writeError(w, http.StatusNotFound, "no active stream for chat")
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	} else if v := r.Header.Get(lastEventIDHeader); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			offset = id + 1
		}
	}
	s.serveSSE(w, r, run, offset)
}

// serveSSE copies the run's feed to the client. Each event id is its feed
// offset. When the client goes away the session is marked disconnected and
// keeps running until reaped.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, run *run, offset int) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	run.session.Reattach()
	feed := run.session.Feed()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		events, closed, changed := feed.Since(offset)
		for _, ev := range events {
			writeSSE(w, strconv.Itoa(offset), "", ev)
			offset++
		}
		if closed {
			writeSSEJSON(w, "done", run.end())
			_ = rc.Flush() //nolint:errcheck
			return
		}
		if err := rc.Flush(); err != nil {
			run.session.MarkDisconnected(s.now())
			return
		}

		select {
		case <-r.Context().Done():
			run.session.MarkDisconnected(s.now())
			s.logger.Info("stream client disconnected", "chat_id", run.session.ChatID, "offset", offset)
			return
		case <-changed:
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n") //nolint:errcheck
		}
	}
}

// writeSSE writes one event. Multi-line data is split across data lines.
func writeSSE(w http.ResponseWriter, id, event, data string) {
	var b strings.Builder
	if id != "" {
		b.WriteString("id: " + id + "\n")
	}
	if event != "" {
		b.WriteString("event: " + event + "\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	_, _ = fmt.Fprint(w, b.String()) //nolint:errcheck
}

func writeSSEJSON(w http.ResponseWriter, event string, payload any) {
	data, err := jsonString(payload)
	if err != nil {
		return
	}
	writeSSE(w, "", event, data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	chatID := r.PathValue("chatID")
	cancelled, err := s.sessions.CancelAs(r.Context(), chatID, userID)
	switch {
	case errors.Is(err, sessions.ErrNotOwner):
		writeError(w, http.StatusNotFound, "no active stream for chat")
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "cancelled": cancelled})
}
