package agent

import (
	"testing"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func TestSystemFirst(t *testing.T) {
	msgs := []Message{{Role: models.RoleUser, Content: "hi"}}
	out := SystemFirst(msgs, "be brief")
	if len(out) != 2 || out[0].Role != models.RoleSystem || out[0].Content != "be brief" {
		t.Fatalf("SystemFirst() = %+v", out)
	}
	if len(SystemFirst(msgs, "")) != 1 {
		t.Error("empty system prompt should not add a turn")
	}
}

func TestSystemSeparate(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleSystem, Content: "extra rules"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "get_weather"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: `{"temp":22}`}}},
		{Role: models.RoleUser, Content: "and tomorrow?"},
	}

	out, system := SystemSeparate(msgs, "base")
	if system != "base\n\nextra rules" {
		t.Errorf("system = %q", system)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3: %+v", len(out), out)
	}
	last := out[2]
	if last.Role != models.RoleUser || len(last.ToolResults) != 1 || last.Content != "and tomorrow?" {
		t.Errorf("merged turn = %+v", last)
	}
	if len(msgs[3].ToolResults) != 1 {
		t.Error("input slice must not be modified")
	}
}
