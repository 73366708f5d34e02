package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageTypeToolCall marks a conversation entry that renders a tool call.
const MessageTypeToolCall = "tool_call"

// MessageTypeFeedback marks a human feedback entry answering a validation.
const MessageTypeFeedback = "validation_feedback"

// ToolCallStatus is the display status of a tool-call conversation entry.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallApproved  ToolCallStatus = "approved"
	ToolCallRejected  ToolCallStatus = "rejected"
	ToolCallFeedback  ToolCallStatus = "feedback"
	ToolCallCancelled ToolCallStatus = "cancelled"
	ToolCallExecuted  ToolCallStatus = "executed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Message is a persisted, user-visible conversation entry.
type Message struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	UserID      string         `json:"user_id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IsToolCallEntry reports whether the message renders a tool call.
func (m *Message) IsToolCallEntry() bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	t, _ := m.Metadata["type"].(string)
	return t == MessageTypeToolCall
}

// ToolCallMetadata builds the metadata stored on a tool-call conversation entry.
func ToolCallMetadata(call ToolCall, serverID string, status ToolCallStatus, validationID string) map[string]any {
	meta := map[string]any{
		"type":         MessageTypeToolCall,
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"server_id":    serverID,
		"arguments":    call.Arguments,
		"status":       string(status),
	}
	if validationID != "" {
		meta["validation_id"] = validationID
	}
	return meta
}
