package models

import (
	"encoding/json"
	"strings"
)

// InternalServerID is the server id assigned to built-in tools.
const InternalServerID = "__internal__"

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	ServerID    string          `json:"server_id,omitempty"`
	IsDefault   bool            `json:"is_default,omitempty"`
	IsRemovable bool            `json:"is_removable,omitempty"`
}

// IsInternal reports whether the tool is served in-process.
func (d ToolDefinition) IsInternal() bool {
	return d.ServerID == InternalServerID
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ParseToolArguments decodes streamed tool arguments. It never fails: empty,
// malformed or non-object input yields an empty map.
func ParseToolArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// ArgumentsJSON encodes the call arguments, defaulting to "{}".
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	if len(c.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// ResultContent renders a tool result value as the string handed back to the model.
func ResultContent(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case json.RawMessage:
		return string(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ExecutionResult is the outcome reported by a tool executor.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Content renders the result for the model.
func (r *ExecutionResult) Content() string {
	if r == nil {
		return ""
	}
	if !r.Success {
		return r.Error
	}
	return ResultContent(r.Result)
}
