package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StepType tags the variant held by a StepConfig.
type StepType string

const (
	StepMCPCall      StepType = "mcp_call"
	StepAIAction     StepType = "ai_action"
	StepAIAgent      StepType = "ai_agent"
	StepInternalTool StepType = "internal_tool"
	StepCondition    StepType = "condition"
	StepLoop         StepType = "loop"
	StepDelay        StepType = "delay"
)

// MCPCallStep invokes one tool on an MCP server.
type MCPCallStep struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// AIActionStep is a single model turn, optionally with tools.
type AIActionStep struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	ToolNames    []string `json:"tools,omitempty"`
}

// AIAgentStep runs the full tool-calling loop for an agent.
type AIAgentStep struct {
	AgentID       string   `json:"agent_id"`
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	ToolNames     []string `json:"tools,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// InternalToolStep invokes a built-in tool.
type InternalToolStep struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ConditionStep branches on an expression evaluated by the workflow engine.
type ConditionStep struct {
	Expression string `json:"expression"`
	Then       string `json:"then"`
	Else       string `json:"else,omitempty"`
}

// LoopStep repeats a body of steps.
type LoopStep struct {
	Over          string   `json:"over"`
	Body          []string `json:"body"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// DelayStep pauses a workflow for a fixed duration.
type DelayStep struct {
	Seconds int `json:"seconds"`
}

// StepConfig is a tagged variant: exactly one pointer matching Type is set.
type StepConfig struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	MCPCall      *MCPCallStep      `json:"-"`
	AIAction     *AIActionStep     `json:"-"`
	AIAgent      *AIAgentStep      `json:"-"`
	InternalTool *InternalToolStep `json:"-"`
	Condition    *ConditionStep    `json:"-"`
	Loop         *LoopStep         `json:"-"`
	Delay        *DelayStep        `json:"-"`
}

type stepEnvelope struct {
	ID     string          `json:"id"`
	Type   StepType        `json:"type"`
	Config json.RawMessage `json:"config"`
}

// UnmarshalJSON decodes {"id","type","config"} and validates config against
// the schema registered for the type.
func (s *StepConfig) UnmarshalJSON(data []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Config) == 0 {
		env.Config = json.RawMessage("{}")
	}
	if err := validateStepConfig(env.Type, env.Config); err != nil {
		return err
	}

	out := StepConfig{ID: env.ID, Type: env.Type}
	var target any
	switch env.Type {
	case StepMCPCall:
		out.MCPCall = &MCPCallStep{}
		target = out.MCPCall
	case StepAIAction:
		out.AIAction = &AIActionStep{}
		target = out.AIAction
	case StepAIAgent:
		out.AIAgent = &AIAgentStep{}
		target = out.AIAgent
	case StepInternalTool:
		out.InternalTool = &InternalToolStep{}
		target = out.InternalTool
	case StepCondition:
		out.Condition = &ConditionStep{}
		target = out.Condition
	case StepLoop:
		out.Loop = &LoopStep{}
		target = out.Loop
	case StepDelay:
		out.Delay = &DelayStep{}
		target = out.Delay
	}
	if err := json.Unmarshal(env.Config, target); err != nil {
		return fmt.Errorf("decode %s config: %w", env.Type, err)
	}
	*s = out
	return nil
}

// MarshalJSON encodes the step back into its envelope form.
func (s StepConfig) MarshalJSON() ([]byte, error) {
	var cfg any
	switch s.Type {
	case StepMCPCall:
		cfg = s.MCPCall
	case StepAIAction:
		cfg = s.AIAction
	case StepAIAgent:
		cfg = s.AIAgent
	case StepInternalTool:
		cfg = s.InternalTool
	case StepCondition:
		cfg = s.Condition
	case StepLoop:
		cfg = s.Loop
	case StepDelay:
		cfg = s.Delay
	default:
		return nil, fmt.Errorf("unknown step type %q", s.Type)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepEnvelope{ID: s.ID, Type: s.Type, Config: raw})
}

// ExecutionStatus is the state of an automation execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the persisted state of one automation step run.
type Execution struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	Step         StepConfig      `json:"step"`
	Status       ExecutionStatus `json:"status"`
	ValidationID string          `json:"validation_id,omitempty"`
	Messages     []Message       `json:"messages,omitempty"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

var stepSchemas = struct {
	once    sync.Once
	err     error
	schemas map[StepType]*jsonschema.Schema
}{}

func validateStepConfig(t StepType, raw json.RawMessage) error {
	stepSchemas.once.Do(func() {
		stepSchemas.schemas = make(map[StepType]*jsonschema.Schema, len(stepSchemaSources))
		for typ, src := range stepSchemaSources {
			compiled, err := jsonschema.CompileString("step_"+string(typ)+".json", src)
			if err != nil {
				stepSchemas.err = err
				return
			}
			stepSchemas.schemas[typ] = compiled
		}
	})
	if stepSchemas.err != nil {
		return stepSchemas.err
	}
	schema, ok := stepSchemas.schemas[t]
	if !ok {
		return fmt.Errorf("unknown step type %q", t)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid %s config: %w", t, err)
	}
	return nil
}

var stepSchemaSources = map[StepType]string{
	StepMCPCall: `{
  "type": "object",
  "required": ["server_id", "tool_name"],
  "properties": {
    "server_id": { "type": "string", "minLength": 1 },
    "tool_name": { "type": "string", "minLength": 1 },
    "arguments": { "type": "object" }
  },
  "additionalProperties": false
}`,
	StepAIAction: `{
  "type": "object",
  "required": ["model", "prompt"],
  "properties": {
    "model": { "type": "string", "minLength": 1 },
    "prompt": { "type": "string", "minLength": 1 },
    "system_prompt": { "type": "string" },
    "tools": { "type": "array", "items": { "type": "string" } }
  },
  "additionalProperties": false
}`,
	StepAIAgent: `{
  "type": "object",
  "required": ["agent_id", "model", "prompt"],
  "properties": {
    "agent_id": { "type": "string", "minLength": 1 },
    "model": { "type": "string", "minLength": 1 },
    "prompt": { "type": "string", "minLength": 1 },
    "system_prompt": { "type": "string" },
    "tools": { "type": "array", "items": { "type": "string" } },
    "max_iterations": { "type": "integer", "minimum": 1, "maximum": 100 }
  },
  "additionalProperties": false
}`,
	StepInternalTool: `{
  "type": "object",
  "required": ["tool_name"],
  "properties": {
    "tool_name": { "type": "string", "minLength": 1 },
    "arguments": { "type": "object" }
  },
  "additionalProperties": false
}`,
	StepCondition: `{
  "type": "object",
  "required": ["expression", "then"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "then": { "type": "string", "minLength": 1 },
    "else": { "type": "string" }
  },
  "additionalProperties": false
}`,
	StepLoop: `{
  "type": "object",
  "required": ["over", "body"],
  "properties": {
    "over": { "type": "string", "minLength": 1 },
    "body": { "type": "array", "minItems": 1, "items": { "type": "string" } },
    "max_iterations": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,
	StepDelay: `{
  "type": "object",
  "required": ["seconds"],
  "properties": {
    "seconds": { "type": "integer", "minimum": 0, "maximum": 604800 }
  },
  "additionalProperties": false
}`,
}
