package gateway

import (
	"context"
	"fmt"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// ResumeChat restarts generation for a chat whose stream ended while a
// validation was pending. The conversation is rebuilt from persisted
// entries and the loop runs with a fresh session, so clients can attach to
// its feed and later validations still reach it.
func (g *Gateway) ResumeChat(ctx context.Context, v *models.Validation) error {
	if g.store == nil {
		return fmt.Errorf("resume chat %s: no message store", v.ChatID)
	}
	if g.sessions != nil {
		if _, running := g.sessions.Get(v.ChatID); running {
			g.logger.InfoContext(ctx, "chat already streaming; skipping resume", "chat_id", v.ChatID)
			return nil
		}
	}

	history, err := g.store.ListMessages(ctx, v.ChatID)
	if err != nil {
		return fmt.Errorf("load chat %s: %w", v.ChatID, err)
	}
	convo, model := RebuildConversation(history)
	if model == "" {
		model = g.config.DefaultModel
	}

	req := &ToolRequest{
		Model:    model,
		Messages: convo,
		ChatID:   v.ChatID,
		UserID:   v.UserID,
		AgentID:  v.AgentID,
	}
	if g.sessions != nil {
		req.Session = g.sessions.Create(ctx, v.ChatID, v.UserID)
		defer g.sessions.End(req.Session)
	}
	emit := func(string) {}
	if req.Session != nil {
		emit = req.Session.Feed().Append
	}

	g.logger.InfoContext(ctx, "resuming chat in background",
		"chat_id", v.ChatID,
		"validation_id", v.ID,
		"model", model,
		"history", len(convo))
	res, err := g.StreamWithTools(ctx, req, emit)
	if err != nil {
		return fmt.Errorf("resume chat %s: %w", v.ChatID, err)
	}
	g.logger.InfoContext(ctx, "background resume finished",
		"chat_id", v.ChatID,
		"stop", res.StopReason,
		"iterations", res.Iterations)
	return nil
}

// RebuildConversation turns persisted chat entries into provider messages.
// Consecutive tool-call entries become one assistant turn with tool calls
// followed by one tool turn with their results. It also returns the model
// recorded on the most recent tool-call entry.
func RebuildConversation(history []*models.Message) ([]agent.Message, string) {
	var (
		convo   []agent.Message
		calls   []models.ToolCall
		results []models.ToolResult
		model   string
	)

	flush := func() {
		if len(calls) == 0 {
			return
		}
		if n := len(convo); n > 0 && convo[n-1].Role == models.RoleAssistant && len(convo[n-1].ToolCalls) == 0 {
			convo[n-1].ToolCalls = calls
		} else {
			convo = append(convo, agent.Message{Role: models.RoleAssistant, ToolCalls: calls})
		}
		convo = append(convo, agent.Message{Role: models.RoleTool, ToolResults: results})
		calls, results = nil, nil
	}

	for _, msg := range history {
		if msg.IsToolCallEntry() {
			call, result := toolEntry(msg)
			calls = append(calls, call)
			results = append(results, result)
			if m, _ := msg.Metadata["model"].(string); m != "" {
				model = m
			}
			continue
		}
		if t, _ := msg.Metadata["type"].(string); t == models.MessageTypeFeedback {
			continue
		}
		flush()
		if msg.Role == models.RoleSystem {
			continue
		}
		convo = append(convo, agent.Message{Role: msg.Role, Content: msg.Content, ToolCalls: msg.ToolCalls, ToolResults: msg.ToolResults})
	}
	flush()
	return convo, model
}

func toolEntry(msg *models.Message) (models.ToolCall, models.ToolResult) {
	meta := msg.Metadata
	id, _ := meta["tool_call_id"].(string)
	if id == "" {
		id = msg.ID
	}
	name, _ := meta["tool_name"].(string)
	args, _ := meta["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	call := models.ToolCall{ID: id, Name: name, Arguments: args}

	status, _ := meta["status"].(string)
	content, _ := meta["result"].(string)
	result := models.ToolResult{ToolCallID: id}
	switch models.ToolCallStatus(status) {
	case models.ToolCallExecuted:
		result.Content = content
	case models.ToolCallFailed:
		result.Content = content
		result.IsError = true
	case models.ToolCallFeedback:
		feedback, _ := meta["feedback"].(string)
		result.Content = FeedbackContent(name, feedback)
	case models.ToolCallRejected:
		reason, _ := meta["reason"].(string)
		result.Content = fmt.Sprintf("The user rejected this tool call. %s", reason)
		result.IsError = true
	case models.ToolCallCancelled:
		result.Content = "This tool call was cancelled before it ran."
		result.IsError = true
	default:
		result.Content = "This tool call has not run; it is waiting for the user's approval."
		result.IsError = true
	}
	return call, result
}
