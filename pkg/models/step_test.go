package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStepConfig_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		check   func(t *testing.T, s StepConfig)
	}{
		{
			name:  "mcp call",
			input: `{"id":"s1","type":"mcp_call","config":{"server_id":"weather","tool_name":"get_weather","arguments":{"city":"Paris"}}}`,
			check: func(t *testing.T, s StepConfig) {
				if s.MCPCall == nil || s.MCPCall.ToolName != "get_weather" {
					t.Fatalf("MCPCall = %+v", s.MCPCall)
				}
				if s.AIAgent != nil {
					t.Error("only one variant should be set")
				}
			},
		},
		{
			name:  "ai agent",
			input: `{"id":"s2","type":"ai_agent","config":{"agent_id":"a1","model":"gpt-4o-mini","prompt":"go","max_iterations":10}}`,
			check: func(t *testing.T, s StepConfig) {
				if s.AIAgent == nil || s.AIAgent.MaxIterations != 10 {
					t.Fatalf("AIAgent = %+v", s.AIAgent)
				}
			},
		},
		{
			name:  "delay",
			input: `{"id":"s3","type":"delay","config":{"seconds":30}}`,
			check: func(t *testing.T, s StepConfig) {
				if s.Delay == nil || s.Delay.Seconds != 30 {
					t.Fatalf("Delay = %+v", s.Delay)
				}
			},
		},
		{
			name:    "missing required field",
			input:   `{"id":"s4","type":"mcp_call","config":{"server_id":"weather"}}`,
			wantErr: "invalid mcp_call config",
		},
		{
			name:    "unknown field",
			input:   `{"id":"s5","type":"delay","config":{"seconds":1,"extra":true}}`,
			wantErr: "invalid delay config",
		},
		{
			name:    "unknown type",
			input:   `{"id":"s6","type":"teleport","config":{}}`,
			wantErr: "unknown step type",
		},
		{
			name:    "negative delay",
			input:   `{"id":"s7","type":"delay","config":{"seconds":-1}}`,
			wantErr: "invalid delay config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s StepConfig
			err := json.Unmarshal([]byte(tt.input), &s)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestStepConfig_MarshalEnvelope(t *testing.T) {
	s := StepConfig{ID: "s1", Type: StepInternalTool, InternalTool: &InternalToolStep{ToolName: "current_time"}}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded StepConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if decoded.InternalTool == nil || decoded.InternalTool.ToolName != "current_time" {
		t.Errorf("decoded = %+v", decoded)
	}

	if _, err := json.Marshal(StepConfig{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
