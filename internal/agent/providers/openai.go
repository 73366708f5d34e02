package providers

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/toolconv"
	"github.com/haasonsaas/toolgate/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI or OpenAI-compatible adapter.
type OpenAIConfig struct {
	// Name is the provider name ("openai", "openrouter", "mistral", "groq", "ollama").
	Name string

	// APIKey is sent as a bearer token. Local endpoints may leave it empty.
	APIKey string

	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL string
}

// OpenAIAdapter implements agent.Adapter for OpenAI's chat completions API and
// for any endpoint that speaks the same protocol.
//
// Key Differences from the Anthropic adapter:
//   - System messages are included in the messages array (not separate)
//   - Tool calls stream incrementally by index and must be accumulated
//   - Tool results require separate "tool" messages (one per tool call)
//
// Thread Safety:
// OpenAIAdapter is safe for concurrent use. Each call creates an independent
// stream and goroutine.
type OpenAIAdapter struct {
	BaseAdapter
	client *openai.Client
}

// NewOpenAIAdapter creates an adapter. An empty name defaults to "openai".
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "openai"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIAdapter{
		BaseAdapter: NewBaseAdapter(name),
		client:      openai.NewClientWithConfig(clientConfig),
	}
}

// TransformMessages prepends the system prompt as a system message.
func (p *OpenAIAdapter) TransformMessages(messages []agent.Message, systemPrompt string) []agent.Message {
	return agent.SystemFirst(messages, systemPrompt)
}

// Stream streams a plain text completion.
func (p *OpenAIAdapter) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	return p.StreamWithTools(ctx, req, nil)
}

// StreamWithTools streams a completion with tool definitions attached.
func (p *OpenAIAdapter) StreamWithTools(ctx context.Context, req *agent.Request, tools []models.ToolDefinition) (<-chan *agent.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertToOpenAIMessages(p.TransformMessages(req.Messages, req.System)),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Tools:         toolconv.ToOpenAITools(tools),
	}
	applyOpenAIParams(&chatReq, req.Params)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, req.Model, chunks)
	return chunks, nil
}

func applyOpenAIParams(chatReq *openai.ChatCompletionRequest, params agent.Params) {
	if v, ok := params.Float("temperature"); ok {
		chatReq.Temperature = float32(v)
	}
	if v, ok := params.Float("top_p"); ok {
		chatReq.TopP = float32(v)
	}
	if v, ok := params.Int("max_tokens"); ok {
		chatReq.MaxTokens = v
	}
	if v, ok := params.Float("frequency_penalty"); ok {
		chatReq.FrequencyPenalty = float32(v)
	}
	if v, ok := params.Float("presence_penalty"); ok {
		chatReq.PresencePenalty = float32(v)
	}
	if v, ok := params.Int("seed"); ok {
		chatReq.Seed = &v
	}
	if stop := params.Strings("stop"); len(stop) > 0 {
		chatReq.Stop = stop
	}
}

type openAIToolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// processStream accumulates tool-call deltas by index and emits complete
// calls, in index order, when the model finishes with tool_calls or the
// stream ends.
func (p *OpenAIAdapter) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*openAIToolCallBuilder)

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			b := pending[idx]
			if b.name == "" {
				continue
			}
			call := &models.ToolCall{
				ID:        b.id,
				Name:      b.name,
				Arguments: models.ParseToolArguments(b.args.String()),
			}
			if !emit(ctx, chunks, &agent.Chunk{ToolCall: call}) {
				return false
			}
		}
		pending = make(map[int]*openAIToolCallBuilder)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			if !emit(ctx, chunks, &agent.Chunk{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}) {
				return
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(ctx, chunks, &agent.Chunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			b := pending[index]
			if b == nil {
				b = &openAIToolCallBuilder{}
				pending[index] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertToOpenAIMessages maps conversation turns to chat messages. Tool
// results become one "tool" message per result.
func convertToOpenAIMessages(messages []agent.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if msg.Content != "" && msg.Role == models.RoleUser {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON()),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

// ListModels lists models from the /models endpoint.
func (p *OpenAIAdapter) ListModels(ctx context.Context) ([]agent.Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.wrapError(err, "")
	}
	out := make([]agent.Model, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, agent.Model{
			ID:            m.ID,
			Name:          m.ID,
			Provider:      p.Name(),
			SupportsTools: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// wrapError converts SDK errors into a ProviderError carrying the HTTP status.
func (p *OpenAIAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	perr := NewProviderError(p.Name(), model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			perr = perr.WithCode(code)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return perr.WithStatus(reqErr.HTTPStatusCode)
	}

	return perr
}

var _ agent.Adapter = (*OpenAIAdapter)(nil)
