package agent

import (
	"context"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// Adapter hides one upstream LLM provider's wire format behind a uniform
// streaming interface.
//
// Implementations reduce provider-specific tool-use events to complete
// models.ToolCall values before emitting them, so the tool-calling loop
// never sees partial argument deltas.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple chats call
// Stream and StreamWithTools on the same adapter simultaneously.
//
// See Also:
//   - providers.OpenAIAdapter for OpenAI and OpenAI-compatible endpoints
//   - providers.AnthropicAdapter for Anthropic Claude
//   - providers.BedrockAdapter for AWS Bedrock Converse
//   - providers.GoogleAdapter for Gemini
type Adapter interface {
	// Name returns the provider name used for breaker, param and metric lookups.
	Name() string

	// Stream returns a lazy sequence of text fragments. The channel is
	// closed when the response ends; a failure mid-stream arrives as a
	// final chunk with Err set.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// StreamWithTools is Stream with tool definitions attached. Chunks carry
	// either a text fragment or one complete ToolCall.
	StreamWithTools(ctx context.Context, req *Request, tools []models.ToolDefinition) (<-chan *Chunk, error)

	// ListModels returns the models the provider currently offers.
	ListModels(ctx context.Context) ([]Model, error)

	// IsRetriable reports whether err is transient (HTTP 429/500/502/503/504/529).
	IsRetriable(err error) bool

	// TransformMessages adapts the conversation to the provider's message
	// shape. Providers with a separate system parameter drop system turns;
	// others prepend a system message.
	TransformMessages(messages []Message, systemPrompt string) []Message
}

// Request contains all parameters for one provider call.
//
// Example:
//
//	req := &Request{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "You are a helpful assistant.",
//	    Messages: []Message{{Role: models.RoleUser, Content: "What's the weather in Paris?"}},
//	    Params:   Params{"max_tokens": 1024},
//	}
type Request struct {
	// Model is the provider model id, with any routing prefix already stripped.
	Model string `json:"model"`

	// System is the system prompt. Adapters place it where the provider expects it.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []Message `json:"messages"`

	// Params holds generation parameters after TransformParams.
	Params Params `json:"params,omitempty"`
}

// Message is one turn of a provider conversation.
//
// An assistant turn that requested tools carries ToolCalls; the matching
// results travel in the next turn's ToolResults. The two are always appended
// together.
type Message struct {
	Role        models.Role         `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// Chunk is one element of a streamed response.
type Chunk struct {
	// Text is a fragment of generated text.
	Text string `json:"text,omitempty"`

	// ToolCall is set when the model finished emitting a tool call.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Err is set on the final chunk when the stream failed.
	Err error `json:"-"`

	// Restart marks the start of a retried attempt. Everything buffered
	// from earlier attempts is stale.
	Restart bool `json:"restart,omitempty"`

	// InputTokens and OutputTokens report usage when the provider sends it.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes a model offered by a provider.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Provider      string `json:"provider"`
	ContextSize   int    `json:"context_size,omitempty"`
	SupportsTools bool   `json:"supports_tools"`
}

// SystemFirst prepends a system turn for providers that take the system
// prompt inline. Existing system turns are kept in place.
func SystemFirst(messages []Message, systemPrompt string) []Message {
	if systemPrompt == "" {
		return append([]Message(nil), messages...)
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: models.RoleSystem, Content: systemPrompt})
	return append(out, messages...)
}

// SystemSeparate drops system turns for providers that take the system prompt
// as a separate parameter, and merges consecutive user turns so the result
// alternates between user and assistant. It returns the messages and the
// combined system prompt.
func SystemSeparate(messages []Message, systemPrompt string) ([]Message, string) {
	system := systemPrompt
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				if system != "" {
					system += "\n\n"
				}
				system += msg.Content
			}
			continue
		}
		if msg.Role == models.RoleTool {
			msg.Role = models.RoleUser
		}
		if n := len(out); n > 0 && msg.Role == models.RoleUser && out[n-1].Role == models.RoleUser &&
			len(out[n-1].ToolCalls) == 0 && len(msg.ToolCalls) == 0 {
			prev := out[n-1]
			if msg.Content != "" {
				if prev.Content != "" {
					prev.Content += "\n\n"
				}
				prev.Content += msg.Content
			}
			prev.ToolResults = append(append([]models.ToolResult(nil), prev.ToolResults...), msg.ToolResults...)
			out[n-1] = prev
			continue
		}
		out = append(out, msg)
	}
	return out, system
}
