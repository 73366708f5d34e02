package models

import (
	"time"
)

// ValidationSource identifies what created a validation.
type ValidationSource string

const (
	SourceToolCall   ValidationSource = "tool_call"
	SourceManual     ValidationSource = "manual"
	SourceAutomation ValidationSource = "automation"
)

// ValidationProcess identifies the process waiting on a validation.
type ValidationProcess string

const (
	ProcessLLMStream ValidationProcess = "llm_stream"
	ProcessWorkflow  ValidationProcess = "workflow"
	ProcessManual    ValidationProcess = "manual"
)

// ValidationStatus is the lifecycle state of a validation.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationApproved  ValidationStatus = "approved"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationFeedback  ValidationStatus = "feedback"
	ValidationCancelled ValidationStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
// Feedback is not terminal: a follow-up validation or cancellation is expected.
func (s ValidationStatus) IsTerminal() bool {
	switch s {
	case ValidationApproved, ValidationRejected, ValidationCancelled:
		return true
	}
	return false
}

// Validation is a persisted human-approval record gating one tool call.
type Validation struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	AgentID     string            `json:"agent_id,omitempty"`
	ChatID      string            `json:"chat_id,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Source      ValidationSource  `json:"source"`
	Process     ValidationProcess `json:"process"`
	Status      ValidationStatus  `json:"status"`
	ToolName    string            `json:"tool_name"`
	ServerID    string            `json:"server_id"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
	ToolArgs    map[string]any    `json:"tool_args,omitempty"`
	ToolResult  any               `json:"tool_result,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	ExpiredAt   *time.Time        `json:"expired_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ValidationUpdate carries the fields written alongside a status change.
type ValidationUpdate struct {
	Status     ValidationStatus
	ToolResult any
	Feedback   string
	Reason     string
	ExpiredAt  *time.Time
}

// ToolLogStatus is the outcome recorded for a tool attempt.
type ToolLogStatus string

const (
	ToolLogSuccess  ToolLogStatus = "success"
	ToolLogError    ToolLogStatus = "error"
	ToolLogRejected ToolLogStatus = "rejected"
)

// ToolLog is an append-only record of a tool attempt. A log with AlwaysAllow
// set acts as a cache entry for its (user, agent, tool, server) tuple.
type ToolLog struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	ChatID       string         `json:"chat_id,omitempty"`
	ValidationID string         `json:"validation_id,omitempty"`
	ToolName     string         `json:"tool_name"`
	ServerID     string         `json:"server_id"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Result       string         `json:"result,omitempty"`
	Status       ToolLogStatus  `json:"status"`
	AlwaysAllow  bool           `json:"always_allow"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ToolCacheKey identifies a cached always-allow grant.
type ToolCacheKey struct {
	UserID   string
	AgentID  string
	ToolName string
	ServerID string
}

// PermissionLevel is the per-user policy for tool calls.
type PermissionLevel string

const (
	PermissionFullAuto           PermissionLevel = "full_auto"
	PermissionValidationRequired PermissionLevel = "validation_required"
	PermissionNoTools            PermissionLevel = "no_tools"
)

// User is the subset of user state the gateway consumes.
type User struct {
	ID              string          `json:"id"`
	PermissionLevel PermissionLevel `json:"permission_level"`
}
