package providers

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/pkg/models"
)

func TestConvertBedrockMessages(t *testing.T) {
	msgs := []agent.Message{
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "weather", Arguments: map[string]any{"city": "Oslo"}}}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "timeout", IsError: true}}},
		{Role: models.RoleAssistant},
	}

	got := convertBedrockMessages(msgs)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3 (empty turn dropped)", len(got))
	}
	if got[1].Role != types.ConversationRoleAssistant {
		t.Errorf("role = %s", got[1].Role)
	}
	toolUse, ok := got[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok || aws.ToString(toolUse.Value.ToolUseId) != "t1" {
		t.Fatalf("assistant block = %#v", got[1].Content[0])
	}
	result, ok := got[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("user block = %#v", got[2].Content[0])
	}
	if result.Value.Status != types.ToolResultStatusError {
		t.Errorf("status = %s, want error", result.Value.Status)
	}
}

func TestBedrockInferenceConfig(t *testing.T) {
	cfg := bedrockInferenceConfig(agent.Params{"max_tokens": 4096, "temperature": 0.5, "stop": "###"})
	if aws.ToInt32(cfg.MaxTokens) != 4096 {
		t.Errorf("MaxTokens = %d", aws.ToInt32(cfg.MaxTokens))
	}
	if cfg.Temperature == nil || *cfg.Temperature != float32(0.5) {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.TopP != nil {
		t.Errorf("TopP should be unset")
	}
	if len(cfg.StopSequences) != 1 {
		t.Errorf("StopSequences = %v", cfg.StopSequences)
	}
}

func TestBedrockWrapError(t *testing.T) {
	adapter := &BedrockAdapter{BaseAdapter: NewBaseAdapter("bedrock")}

	throttled := adapter.wrapError(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, "claude")
	if !adapter.IsRetriable(throttled) {
		t.Errorf("throttling should be retriable: %v", throttled)
	}

	invalid := adapter.wrapError(&smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}, "claude")
	if adapter.IsRetriable(invalid) {
		t.Errorf("validation should not be retriable: %v", invalid)
	}
	perr, _ := GetProviderError(invalid)
	if perr == nil || perr.Code != "ValidationException" || perr.Message != "bad input" {
		t.Errorf("wrapped = %+v", perr)
	}

	if wrapped := adapter.wrapError(throttled, "claude"); !errors.Is(wrapped, throttled) {
		t.Error("already wrapped errors should pass through")
	}
}
