package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyToolError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ToolErrorType
	}{
		{"not found sentinel", fmt.Errorf("%w: x", ErrToolNotFound), ToolErrorNotFound},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ToolErrorTimeout},
		{"timeout text", errors.New("request timed out"), ToolErrorTimeout},
		{"refused", errors.New("dial tcp: connection refused"), ToolErrorNetwork},
		{"denied", errors.New("permission denied: tool is blocked"), ToolErrorPermission},
		{"bad args", errors.New("missing field path"), ToolErrorInvalidInput},
		{"other", errors.New("boom"), ToolErrorExecution},
		{"nil", nil, ToolErrorExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyToolError(tt.err); got != tt.want {
				t.Errorf("classifyToolError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolExecutionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewToolExecutionError("read_file", cause).WithServerID("fs").WithToolCallID("call_1")

	if !errors.Is(err, cause) {
		t.Error("expected the cause to unwrap")
	}
	if got := err.Error(); got != "tool fs/read_file failed (network): connection refused" {
		t.Errorf("Error() = %q", got)
	}

	msg := err.ModelMessage(-2)
	if !strings.Contains(msg, `"read_file"`) || !strings.Contains(msg, "Remaining attempts before stopping: 0") {
		t.Errorf("ModelMessage() = %q", msg)
	}
	if !strings.Contains(msg, toolErrorHints[ToolErrorNetwork]) {
		t.Errorf("ModelMessage() is missing the network hint: %q", msg)
	}
}
