package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/toolconv"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// defaultAnthropicMaxTokens is used when max_tokens did not pass through the
// param registry. The Messages API rejects requests without it.
const defaultAnthropicMaxTokens = 4096

// maxEmptyStreamEvents bounds consecutive events that produce nothing before
// the stream is treated as malformed.
const maxEmptyStreamEvents = 50

// AnthropicConfig holds configuration for the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string
}

// AnthropicAdapter implements agent.Adapter for Anthropic's Claude models.
//
// The Messages API takes the system prompt as a separate parameter, requires
// alternating user/assistant turns, and streams tool use as a content block
// whose input arrives as partial JSON deltas. The adapter buffers those
// deltas and emits one complete ToolCall at content_block_stop.
//
// Thread Safety:
// AnthropicAdapter is safe for concurrent use.
type AnthropicAdapter struct {
	BaseAdapter
	client anthropic.Client
}

// NewAnthropicAdapter creates an adapter. The API key is required.
func NewAnthropicAdapter(config AnthropicConfig) (*AnthropicAdapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// Retries are owned by the router.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicAdapter{
		BaseAdapter: NewBaseAdapter("anthropic"),
		client:      anthropic.NewClient(options...),
	}, nil
}

// TransformMessages drops system turns (they travel in the system parameter)
// and merges adjacent user turns.
func (p *AnthropicAdapter) TransformMessages(messages []agent.Message, systemPrompt string) []agent.Message {
	out, _ := agent.SystemSeparate(messages, systemPrompt)
	return out
}

// Stream streams a plain text completion.
func (p *AnthropicAdapter) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	return p.StreamWithTools(ctx, req, nil)
}

// StreamWithTools streams a completion with tool definitions attached.
func (p *AnthropicAdapter) StreamWithTools(ctx context.Context, req *agent.Request, tools []models.ToolDefinition) (<-chan *agent.Chunk, error) {
	params, err := p.buildParams(req, tools)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *agent.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (p *AnthropicAdapter) buildParams(req *agent.Request, tools []models.ToolDefinition) (anthropic.MessageNewParams, error) {
	turns, system := agent.SystemSeparate(req.Messages, req.System)
	messages, err := convertAnthropicMessages(turns)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := defaultAnthropicMaxTokens
	if v, ok := req.Params.Int("max_tokens"); ok && v > 0 {
		maxTokens = v
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if v, ok := req.Params.Float("temperature"); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := req.Params.Float("top_p"); ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok := req.Params.Int("top_k"); ok {
		params.TopK = anthropic.Int(int64(v))
	}
	if stop := req.Params.Strings("stop"); len(stop) > 0 {
		params.StopSequences = stop
	}

	if len(tools) > 0 {
		converted, err := toolconv.ToAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = converted
	}
	return params, nil
}

// processStream reduces Messages API events to text and ToolCall chunks.
func (p *AnthropicAdapter) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.Chunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(ctx, chunks, &agent.Chunk{Text: delta.Text}) {
					return
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			default:
				eventProcessed = false
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = models.ParseToolArguments(currentToolInput.String())
				if !emit(ctx, chunks, &agent.Chunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}

		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = int(out)
			}

		case "message_stop":
			emit(ctx, chunks, &agent.Chunk{InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			eventProcessed = false
		}

		if eventProcessed {
			emptyEventCount = 0
			continue
		}
		emptyEventCount++
		if emptyEventCount >= maxEmptyStreamEvents {
			emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(err, model)})
	}
}

// convertAnthropicMessages maps alternating turns to content-block messages.
func convertAnthropicMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolCall := range msg.ToolCalls {
			input := toolCall.Arguments
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no user or assistant messages")
	}
	return result, nil
}

// ListModels lists models from the Models API.
func (p *AnthropicAdapter) ListModels(ctx context.Context) ([]agent.Model, error) {
	iter := p.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	var out []agent.Model
	for iter.Next() {
		m := iter.Current()
		out = append(out, agent.Model{
			ID:            m.ID,
			Name:          m.DisplayName,
			Provider:      p.Name(),
			ContextSize:   200000,
			SupportsTools: true,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, p.wrapError(err, "")
	}
	return out, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into a ProviderError carrying the HTTP status.
func (p *AnthropicAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(p.Name(), model, err)
	}

	providerErr := (&ProviderError{
		Provider: p.Name(),
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr = providerErr.WithRequestID(payload.RequestID)
			}
		}
	}
	return providerErr
}

var _ agent.Adapter = (*AnthropicAdapter)(nil)
