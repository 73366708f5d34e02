package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the router, the providers and the tool loop.
var (
	// ErrUnknownModel indicates no provider prefix matches the model name
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownProvider indicates a provider name with no registered adapter or param table
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrToolNotFound indicates a requested tool is not in the request's tool list
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")
)

// ToolErrorType is a coarse category for a failed tool call. It picks the
// hint the model sees next to the error.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorExecution    ToolErrorType = "execution"
)

var toolErrorHints = map[ToolErrorType]string{
	ToolErrorNotFound:     "Only call tools from the provided list.",
	ToolErrorInvalidInput: "Check the arguments against the tool schema.",
	ToolErrorTimeout:      "The tool server did not answer in time; retry once or try a different approach.",
	ToolErrorNetwork:      "The tool server is unreachable; try a different approach.",
	ToolErrorPermission:   "The user does not allow this call; do not retry it.",
	ToolErrorExecution:    "Try a different approach or explain the problem to the user.",
}

// ToolExecutionError is scoped to one tool call. It never aborts sibling
// calls; the loop turns it into an error ToolResult.
type ToolExecutionError struct {
	Type       ToolErrorType
	ToolName   string
	ServerID   string
	ToolCallID string
	Cause      error
}

func (e *ToolExecutionError) Error() string {
	target := e.ToolName
	if e.ServerID != "" {
		target = e.ServerID + "/" + e.ToolName
	}
	if e.Cause == nil {
		return fmt.Sprintf("tool %s failed (%s)", target, e.Type)
	}
	return fmt.Sprintf("tool %s failed (%s): %v", target, e.Type, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// NewToolExecutionError wraps cause and classifies it.
func NewToolExecutionError(toolName string, cause error) *ToolExecutionError {
	return &ToolExecutionError{ToolName: toolName, Cause: cause, Type: classifyToolError(cause)}
}

// WithToolCallID sets the tool call ID.
func (e *ToolExecutionError) WithToolCallID(id string) *ToolExecutionError {
	e.ToolCallID = id
	return e
}

// WithServerID sets the server the tool was routed to.
func (e *ToolExecutionError) WithServerID(id string) *ToolExecutionError {
	e.ServerID = id
	return e
}

// ModelMessage renders the error for the model, including how many more
// failing iterations are tolerated before the loop stops.
func (e *ToolExecutionError) ModelMessage(remainingAttempts int) string {
	detail := "unknown error"
	if e.Cause != nil {
		detail = e.Cause.Error()
	}
	return fmt.Sprintf("Error executing tool %q: %s\nRemaining attempts before stopping: %d. %s",
		e.ToolName, detail, max(remainingAttempts, 0), toolErrorHints[e.Type])
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range toolErrorKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.kind
			}
		}
	}
	return ToolErrorExecution
}

var toolErrorKeywords = []struct {
	kind     ToolErrorType
	keywords []string
}{
	{ToolErrorTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ToolErrorNetwork, []string{"connection", "refused", "unreachable", "no such host"}},
	{ToolErrorPermission, []string{"forbidden", "unauthorized", "permission"}},
	{ToolErrorInvalidInput, []string{"invalid", "required", "missing"}},
}
