package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/toolconv"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// BedrockConfig configures the Bedrock adapter.
type BedrockConfig struct {
	// Region is the AWS region. Default: us-east-1
	Region string

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default credential chain (env, shared config, IAM role) is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockAdapter implements agent.Adapter over the Bedrock Converse API.
type BedrockAdapter struct {
	BaseAdapter
	runtime *bedrockruntime.Client
	control *bedrock.Client
}

// NewBedrockAdapter loads AWS configuration and creates the runtime and
// control-plane clients.
func NewBedrockAdapter(ctx context.Context, cfg BedrockConfig) (*BedrockAdapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// Retries are owned by the router.
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockAdapter{
		BaseAdapter: NewBaseAdapter("bedrock"),
		runtime:     bedrockruntime.NewFromConfig(awsCfg),
		control:     bedrock.NewFromConfig(awsCfg),
	}, nil
}

// TransformMessages drops system turns (sent as System blocks) and merges
// adjacent user turns.
func (p *BedrockAdapter) TransformMessages(messages []agent.Message, systemPrompt string) []agent.Message {
	out, _ := agent.SystemSeparate(messages, systemPrompt)
	return out
}

// Stream streams a plain text completion.
func (p *BedrockAdapter) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	return p.StreamWithTools(ctx, req, nil)
}

// StreamWithTools streams a Converse response with a tool configuration.
func (p *BedrockAdapter) StreamWithTools(ctx context.Context, req *agent.Request, tools []models.ToolDefinition) (<-chan *agent.Chunk, error) {
	turns, system := agent.SystemSeparate(req.Messages, req.System)

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model),
		Messages:        convertBedrockMessages(turns),
		InferenceConfig: bedrockInferenceConfig(req.Params),
		ToolConfig:      toolconv.ToBedrockTools(tools),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	stream, err := p.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func bedrockInferenceConfig(params agent.Params) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if v, ok := params.Int("max_tokens"); ok && v > 0 {
		// #nosec G115 -- bounded by min
		cfg.MaxTokens = aws.Int32(int32(min(v, math.MaxInt32)))
	}
	if v, ok := params.Float("temperature"); ok {
		cfg.Temperature = aws.Float32(float32(v))
	}
	if v, ok := params.Float("top_p"); ok {
		cfg.TopP = aws.Float32(float32(v))
	}
	if stop := params.Strings("stop"); len(stop) > 0 {
		cfg.StopSequences = stop
	}
	return cfg
}

// processStream reduces Converse stream events to text and ToolCall chunks.
func (p *BedrockAdapter) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.Chunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder

	flushTool := func() bool {
		if currentToolCall == nil || currentToolCall.ID == "" {
			return true
		}
		currentToolCall.Arguments = models.ParseToolArguments(toolInput.String())
		ok := emit(ctx, chunks, &agent.Chunk{ToolCall: currentToolCall})
		currentToolCall = nil
		toolInput.Reset()
		return ok
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if !flushTool() {
					return
				}
				if err := eventStream.Err(); err != nil {
					emit(ctx, chunks, &agent.Chunk{Err: p.wrapError(err, model)})
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" && !emit(ctx, chunks, &agent.Chunk{Text: delta.Value}) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if !flushTool() {
					return
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if usage := ev.Value.Usage; usage != nil {
					emit(ctx, chunks, &agent.Chunk{
						InputTokens:  int(aws.ToInt32(usage.InputTokens)),
						OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
					})
				}
			}
		}
	}
}

// convertBedrockMessages maps alternating turns to Converse messages.
func convertBedrockMessages(messages []agent.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		var content []types.ContentBlock

		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Arguments
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

// ListModels lists text-output foundation models from the control plane.
func (p *BedrockAdapter) ListModels(ctx context.Context) ([]agent.Model, error) {
	out, err := p.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
	})
	if err != nil {
		return nil, p.wrapError(err, "")
	}
	result := make([]agent.Model, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		result = append(result, agent.Model{
			ID:            aws.ToString(m.ModelId),
			Name:          aws.ToString(m.ModelName),
			Provider:      p.Name(),
			SupportsTools: true,
		})
	}
	return result, nil
}

// wrapError attaches the HTTP status and AWS error code.
func (p *BedrockAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok || errors.Is(err, context.Canceled) {
		return err
	}

	perr := NewProviderError(p.Name(), model, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		perr = perr.WithStatus(respErr.HTTPStatusCode()).WithRequestID(respErr.ServiceRequestID())
	}
	return perr
}

var _ agent.Adapter = (*BedrockAdapter)(nil)
