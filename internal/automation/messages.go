package automation

import (
	"errors"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/pkg/models"
)

var errNoPendingBatch = errors.New("paused execution has no pending tool batch")

func storedMessages(messages []agent.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, models.Message{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}

func agentMessages(messages []models.Message) []agent.Message {
	out := make([]agent.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, agent.Message{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}

// pausedMessages stores the conversation followed by the interrupted batch:
// the assistant turn and a tool turn holding the results resolved so far.
func pausedMessages(messages []agent.Message, pending *gateway.ResumeState) []models.Message {
	out := storedMessages(messages)
	if pending == nil {
		return out
	}
	out = append(out, storedMessages([]agent.Message{pending.Assistant})...)
	out = append(out, models.Message{
		Role:        models.RoleTool,
		ToolResults: pending.Results,
		Metadata:    map[string]any{pendingBatchKey: true},
	})
	return out
}

// splitPending reverses pausedMessages.
func splitPending(stored []models.Message) ([]agent.Message, *gateway.ResumeState, error) {
	n := len(stored)
	if n < 2 {
		return nil, nil, errNoPendingBatch
	}
	tail := stored[n-1]
	if marked, _ := tail.Metadata[pendingBatchKey].(bool); !marked {
		return nil, nil, errNoPendingBatch
	}
	assistant := agentMessages(stored[n-2 : n-1])[0]
	if len(assistant.ToolCalls) == 0 {
		return nil, nil, errNoPendingBatch
	}
	pending := &gateway.ResumeState{
		Assistant: assistant,
		Results:   append([]models.ToolResult(nil), tail.ToolResults...),
	}
	return agentMessages(stored[:n-2]), pending, nil
}
