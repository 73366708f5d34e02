package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	if tracer.config.ServiceName != "toolgate" {
		t.Errorf("service name = %q", tracer.config.ServiceName)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	tracer, _ := NewTracer(TraceConfig{})
	ctx := context.Background()

	helpers := map[string]func() (context.Context, trace.Span){
		"stream":   func() (context.Context, trace.Span) { return tracer.TraceStream(ctx, "openai", "gpt-4o", "chat-1") },
		"llm":      func() (context.Context, trace.Span) { return tracer.TraceLLMRequest(ctx, "openai", "gpt-4o") },
		"tool":     func() (context.Context, trace.Span) { return tracer.TraceToolExecution(ctx, "weather", "get_weather") },
		"approval": func() (context.Context, trace.Span) { return tracer.TraceApproval(ctx, "approve", "val-1") },
	}
	for name, start := range helpers {
		t.Run(name, func(t *testing.T) {
			spanCtx, span := start()
			if spanCtx == nil || span == nil {
				t.Fatal("nil span or context")
			}
			RecordError(span, errors.New("boom"))
			RecordError(span, nil)
			span.End()
		})
	}
}

func TestNilTracerStartsNoopSpan(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceLLMRequest(context.Background(), "anthropic", "claude")
	defer span.End()
	if GetTraceID(ctx) != "" {
		t.Errorf("no-op span has trace id %q", GetTraceID(ctx))
	}
}
