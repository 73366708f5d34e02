package providers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/pkg/models"
)

func anthropicEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func TestAnthropicStreamWithTools(t *testing.T) {
	srv := sseServer(t, http.StatusOK, []string{
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	})

	adapter, err := NewAnthropicAdapter(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicAdapter() error = %v", err)
	}
	ch, err := adapter.StreamWithTools(context.Background(), &agent.Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []agent.Message{{Role: models.RoleUser, Content: "find go"}},
	}, []models.ToolDefinition{{Name: "search", InputSchema: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)}})
	if err != nil {
		t.Fatalf("StreamWithTools() error = %v", err)
	}

	var text strings.Builder
	var calls []*models.ToolCall
	var in, out int
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error = %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			in, out = chunk.InputTokens, chunk.OutputTokens
		}
	}
	if text.String() != "Checking" {
		t.Errorf("text = %q", text.String())
	}
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Arguments["q"] != "go" {
		t.Fatalf("calls = %+v", calls)
	}
	if in != 12 || out != 9 {
		t.Errorf("usage = %d/%d, want 12/9", in, out)
	}
}

func TestAnthropicOverloadedIsRetriable(t *testing.T) {
	srv := sseServer(t, 529, nil)
	adapter, err := NewAnthropicAdapter(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := adapter.Stream(context.Background(), &agent.Request{
		Model:    "claude",
		Messages: []agent.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		// The SDK may report the status on the first stream read.
		for chunk := range ch {
			if chunk.Err != nil {
				err = chunk.Err
			}
		}
	}
	if err == nil {
		t.Fatal("expected error")
	}
	if !adapter.IsRetriable(err) {
		t.Errorf("529 should be retriable: %v", err)
	}
}

func TestNewAnthropicAdapterRequiresKey(t *testing.T) {
	if _, err := NewAnthropicAdapter(AnthropicConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	adapter, err := NewAnthropicAdapter(AnthropicConfig{APIKey: "test"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := adapter.TransformMessages([]agent.Message{
		{Role: models.RoleSystem, Content: "extra rules"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{{ID: "t1", Name: "weather"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "sunny"}}},
		{Role: models.RoleUser, Content: "thanks"},
	}, "be brief")

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 after merging", len(msgs))
	}
	if msgs[2].Content != "thanks" || len(msgs[2].ToolResults) != 1 {
		t.Errorf("merged user turn = %+v", msgs[2])
	}

	params, err := convertAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	if len(params) != 3 {
		t.Fatalf("got %d params", len(params))
	}
	last := params[2].Content
	if len(last) != 2 || last[0].OfToolResult == nil || last[1].OfText == nil {
		t.Errorf("tool_result must precede text in the merged turn: %+v", last)
	}
	if _, err := convertAnthropicMessages(nil); err == nil {
		t.Error("expected error for empty conversation")
	}
}
