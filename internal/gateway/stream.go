// Package gateway streams model output to clients, runs the tool-calling
// loop, and serves the HTTP API around it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/infra"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// ErrProviderUnavailable wraps failures that ended a stream because the
// provider could not be reached: an open circuit or exhausted retries.
var ErrProviderUnavailable = errors.New("provider unavailable")

// providerUnavailableText is shown to the user in place of a response.
const providerUnavailableText = "The model provider is temporarily unavailable. Please try again in a moment."

// EmitFunc receives streamed text and sentinels in order.
type EmitFunc func(event string)

// ToolSource lists the tools offered to the model.
type ToolSource interface {
	Tools() []models.ToolDefinition
}

// Store is the persistence the gateway writes conversation entries and tool
// logs to.
type Store interface {
	storage.MessageStore
	storage.LogStore
}

// Config configures a Gateway.
type Config struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string

	// DefaultSystemPrompt is used when a request carries no system prompt.
	DefaultSystemPrompt string

	Loop   LoopConfig
	Router agent.RouterConfig
}

// Options carries optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Gateway routes requests to providers and drives the tool loop.
type Gateway struct {
	providers *Registry
	router    *agent.Router
	gate      *approval.Gate
	executor  approval.Executor
	tools     ToolSource
	store     Store
	sessions  *sessions.Registry
	config    Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// New wires a gateway. gate, executor and tools may be nil for text-only use.
func New(providers *Registry, gate *approval.Gate, executor approval.Executor, tools ToolSource, store Store, registry *sessions.Registry, config Config, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Loop = config.Loop.withDefaults()

	metrics := opts.Metrics
	userRetry := config.Router.OnRetry
	config.Router.OnRetry = func(provider string, attempt int, err error) {
		metrics.RecordRetry(provider)
		if userRetry != nil {
			userRetry(provider, attempt, err)
		}
	}

	return &Gateway{
		providers: providers,
		router:    agent.NewRouter(config.Router, logger),
		gate:      gate,
		executor:  executor,
		tools:     tools,
		store:     store,
		sessions:  registry,
		config:    config,
		logger:    logger.With("component", "gateway"),
		metrics:   metrics,
		tracer:    opts.Tracer,
		now:       time.Now,
	}
}

// Providers returns the provider registry.
func (g *Gateway) Providers() *Registry {
	return g.providers
}

// Tools returns the tools currently offered to the model.
func (g *Gateway) Tools() []models.ToolDefinition {
	if g.tools == nil {
		return nil
	}
	return g.tools.Tools()
}

// StreamRequest is a plain completion without tools.
type StreamRequest struct {
	Model    string
	System   string
	Messages []agent.Message
	Params   agent.Params
	UserID   string
}

// Stream resolves the provider for req.Model and streams text through emit.
// Errors surface unchanged; callers decide how to present them.
func (g *Gateway) Stream(ctx context.Context, req *StreamRequest, emit EmitFunc) error {
	model := req.Model
	if model == "" {
		model = g.config.DefaultModel
	}
	target, err := g.resolve(ctx, model, req.UserID, req.Params)
	if err != nil {
		return err
	}

	system := req.System
	if system == "" {
		system = g.config.DefaultSystemPrompt
	}
	ctx, span := g.tracer.TraceStream(ctx, target.route.Provider, target.route.Model, "")
	defer span.End()

	_, err = g.turn(ctx, target, &agent.Request{
		Model:    target.route.Model,
		System:   system,
		Messages: req.Messages,
		Params:   target.params,
	}, nil, nil, emit)
	observability.RecordError(span, err)
	if unavailable(err) {
		return providerUnavailable(err, emit)
	}
	return err
}

// target is a resolved provider call site.
type target struct {
	route   Route
	adapter agent.Adapter
	params  agent.Params
}

func (g *Gateway) resolve(ctx context.Context, model, userID string, params agent.Params) (*target, error) {
	route, err := g.providers.Resolve(model)
	if err != nil {
		return nil, err
	}
	adapter, err := g.providers.Adapter(ctx, route.Provider, userID)
	if err != nil {
		return nil, err
	}
	transformed, err := g.providers.TransformParams(route.Provider, params)
	if err != nil {
		return nil, err
	}
	return &target{route: route, adapter: adapter, params: transformed}, nil
}

// turnResult is what one provider call produced.
type turnResult struct {
	text      string
	toolCalls []models.ToolCall
	stopped   bool
}

// turn runs one provider call behind the breaker and the router. Text is
// emitted as it arrives and tool calls are buffered. A signal on cancel stops
// reading; the breaker slot is then released without an outcome.
func (g *Gateway) turn(ctx context.Context, t *target, req *agent.Request, tools []models.ToolDefinition, cancel <-chan struct{}, emit EmitFunc) (*turnResult, error) {
	provider, model := t.route.Provider, t.route.Model
	breaker := g.providers.Breaker(provider)
	if err := breaker.CheckState(); err != nil {
		g.metrics.RecordLLMRequest(provider, model, "circuit_open", 0, 0, 0)
		return nil, err
	}

	ctx, span := g.tracer.TraceLLMRequest(ctx, provider, model)
	defer span.End()

	turnCtx, stop := context.WithCancel(ctx)
	defer stop()

	call := func(ctx context.Context) (<-chan *agent.Chunk, error) {
		if len(tools) > 0 {
			return t.adapter.StreamWithTools(ctx, req, tools)
		}
		return t.adapter.Stream(ctx, req)
	}

	start := g.now()
	chunks := g.router.StreamWithRetry(turnCtx, t.adapter, call)
	result := &turnResult{}
	var text strings.Builder
	var inputTokens, outputTokens int

	for {
		select {
		case <-cancel:
			stop()
			breaker.Release()
			result.text = text.String()
			result.stopped = true
			g.metrics.RecordLLMRequest(provider, model, "cancelled", g.now().Sub(start).Seconds(), inputTokens, outputTokens)
			return result, nil

		case chunk, ok := <-chunks:
			if !ok {
				breaker.RecordSuccess()
				result.text = text.String()
				g.metrics.RecordLLMRequest(provider, model, "success", g.now().Sub(start).Seconds(), inputTokens, outputTokens)
				return result, nil
			}
			if chunk.Err != nil {
				err := chunk.Err
				if ctx.Err() != nil {
					breaker.Release()
					return nil, ctx.Err()
				}
				breaker.RecordFailure()
				g.metrics.RecordLLMRequest(provider, model, "error", g.now().Sub(start).Seconds(), inputTokens, outputTokens)
				observability.RecordError(span, err)
				if t.adapter.IsRetriable(err) {
					return nil, fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, provider, err)
				}
				return nil, err
			}
			if chunk.Restart {
				text.Reset()
				result.toolCalls = nil
				inputTokens, outputTokens = 0, 0
				continue
			}
			inputTokens += chunk.InputTokens
			outputTokens += chunk.OutputTokens
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				emit(chunk.Text)
			}
			if chunk.ToolCall != nil {
				call := *chunk.ToolCall
				if call.Arguments == nil {
					call.Arguments = map[string]any{}
				}
				result.toolCalls = append(result.toolCalls, call)
			}
		}
	}
}

// unavailable reports whether err ends the stream with the synthesized
// provider-unavailable message.
func unavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, infra.ErrCircuitOpen)
}

// providerUnavailable emits the user-facing message and wraps err.
func providerUnavailable(err error, emit EmitFunc) error {
	emit(providerUnavailableText)
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
