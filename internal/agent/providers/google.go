package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/toolconv"
	"github.com/haasonsaas/toolgate/pkg/models"
	"google.golang.org/genai"
)

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	// APIKey is the Google AI API key (required).
	APIKey string
}

// GoogleAdapter implements agent.Adapter for Gemini.
//
// Gemini does not assign ids to function calls, so the adapter generates
// them as call_<name>_<n>. Function responses are matched back to the call
// name by scanning the conversation for the id.
type GoogleAdapter struct {
	BaseAdapter
	client *genai.Client
	seq    atomic.Uint64
}

// NewGoogleAdapter creates a Gemini adapter.
func NewGoogleAdapter(ctx context.Context, cfg GoogleConfig) (*GoogleAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleAdapter{
		BaseAdapter: NewBaseAdapter("google"),
		client:      client,
	}, nil
}

// TransformMessages drops system turns; the prompt travels as SystemInstruction.
func (p *GoogleAdapter) TransformMessages(messages []agent.Message, systemPrompt string) []agent.Message {
	out, _ := agent.SystemSeparate(messages, systemPrompt)
	return out
}

// Stream streams a plain text completion.
func (p *GoogleAdapter) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	return p.StreamWithTools(ctx, req, nil)
}

// StreamWithTools streams a completion with function declarations attached.
func (p *GoogleAdapter) StreamWithTools(ctx context.Context, req *agent.Request, tools []models.ToolDefinition) (<-chan *agent.Chunk, error) {
	turns, system := agent.SystemSeparate(req.Messages, req.System)
	contents := convertGeminiMessages(turns)
	config := buildGeminiConfig(system, req.Params, tools)

	chunks := make(chan *agent.Chunk)
	go func() {
		defer close(chunks)
		seq := p.client.Models.GenerateContentStream(ctx, req.Model, contents, config)
		if err := p.processStream(ctx, seq, chunks); err != nil && ctx.Err() == nil {
			emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(err, req.Model)})
		}
	}()
	return chunks, nil
}

func buildGeminiConfig(system string, params agent.Params, tools []models.ToolDefinition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if v, ok := params.Int("max_tokens"); ok && v > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(v, math.MaxInt32))
	}
	if v, ok := params.Float("temperature"); ok {
		config.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := params.Float("top_p"); ok {
		config.TopP = genai.Ptr(float32(v))
	}
	if v, ok := params.Float("top_k"); ok {
		config.TopK = genai.Ptr(float32(v))
	}
	if stop := params.Strings("stop"); len(stop) > 0 {
		config.StopSequences = stop
	}
	if len(tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(tools)
	}
	return config
}

func (p *GoogleAdapter) processStream(ctx context.Context, seq iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.Chunk) error {
	for resp, err := range seq {
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					if !emit(ctx, chunks, &agent.Chunk{Text: part.Text}) {
						return ctx.Err()
					}
				}
				if fc := part.FunctionCall; fc != nil {
					args := fc.Args
					if args == nil {
						args = map[string]any{}
					}
					id := fc.ID
					if id == "" {
						id = p.nextCallID(fc.Name)
					}
					call := &models.ToolCall{ID: id, Name: fc.Name, Arguments: args}
					if !emit(ctx, chunks, &agent.Chunk{ToolCall: call}) {
						return ctx.Err()
					}
				}
			}
		}
		if usage := resp.UsageMetadata; usage != nil {
			emit(ctx, chunks, &agent.Chunk{
				InputTokens:  int(usage.PromptTokenCount),
				OutputTokens: int(usage.CandidatesTokenCount),
			})
		}
	}
	return nil
}

func (p *GoogleAdapter) nextCallID(name string) string {
	return fmt.Sprintf("call_%s_%d_%d", name, time.Now().UnixNano(), p.seq.Add(1))
}

// convertGeminiMessages maps turns to Gemini contents. Tool results become
// FunctionResponse parts named after the originating call.
func convertGeminiMessages(messages []agent.Message) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	result := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": tr.Content}
			}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     toolNameForCall(tr.ToolCallID, names),
					Response: response,
				},
			})
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

// toolNameForCall resolves a call id to its tool name, falling back to the
// name embedded in generated ids.
func toolNameForCall(id string, names map[string]string) string {
	if name, ok := names[id]; ok {
		return name
	}
	rest, ok := strings.CutPrefix(id, "call_")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return rest
	}
	return strings.Join(parts[:len(parts)-2], "_")
}

// ListModels lists Gemini models that support content generation.
func (p *GoogleAdapter) ListModels(ctx context.Context) ([]agent.Model, error) {
	var result []agent.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, p.wrapError(err, "")
		}
		if m == nil || !supportsGenerate(m.SupportedActions) {
			continue
		}
		result = append(result, agent.Model{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			Name:          m.DisplayName,
			Provider:      p.Name(),
			ContextSize:   int(m.InputTokenLimit),
			SupportsTools: true,
		})
	}
	return result, nil
}

func supportsGenerate(actions []string) bool {
	for _, a := range actions {
		if a == "generateContent" {
			return true
		}
	}
	return len(actions) == 0
}

// wrapError attaches the HTTP status carried by genai.APIError.
func (p *GoogleAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok || errors.Is(err, context.Canceled) {
		return err
	}

	perr := NewProviderError(p.Name(), model, err)
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		perr = perr.WithStatus(apiErr.Code).WithCode(apiErr.Status).WithMessage(apiErr.Message)
	case errors.As(err, &apiErrPtr):
		perr = perr.WithStatus(apiErrPtr.Code).WithCode(apiErrPtr.Status).WithMessage(apiErrPtr.Message)
	}
	return perr
}

var _ agent.Adapter = (*GoogleAdapter)(nil)
