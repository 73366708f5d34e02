// Package observability provides the gateway's logging, metrics and tracing.
//
// # Logging
//
// NewLogger builds a slog.Logger whose handler redacts provider keys and
// bearer tokens and stamps ids carried on the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddChatID(ctx, chatID)
//	logger.Slog().InfoContext(ctx, "stream started", "model", model)
//
// # Metrics
//
// Metrics holds toolgate_* Prometheus collectors for provider calls, retries,
// circuit state, tool executions, validations and active sessions. Handler
// serves them at /metrics.
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// falls back to the global no-op tracer otherwise.
package observability
