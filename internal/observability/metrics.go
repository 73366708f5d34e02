package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can be built
// without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error|circuit_open)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMRetries counts retry attempts after a transient provider error.
	// Labels: provider
	LLMRetries *prometheus.CounterVec

	// CircuitState is 0 closed, 1 half_open, 2 open.
	// Labels: provider
	CircuitState *prometheus.GaugeVec

	// CircuitTransitions counts breaker state changes.
	// Labels: provider, from, to
	CircuitTransitions *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: server_id, tool_name, outcome (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: server_id
	ToolExecutionDuration *prometheus.HistogramVec

	// Validations counts validation lifecycle events.
	// Labels: action (created|approved|rejected|feedback|cancelled|expired)
	Validations *prometheus.CounterVec

	// ActiveSessions is the number of chats with a running stream.
	ActiveSessions prometheus.Gauge

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP latency. Streams are excluded.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_llm_requests_total",
				Help: "Provider calls by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_llm_request_duration_seconds",
				Help:    "Duration of provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_llm_tokens_total",
				Help: "Tokens used by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_llm_retries_total",
				Help: "Provider call retries after a transient error",
			},
			[]string{"provider"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolgate_circuit_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half_open, 2 open)",
			},
			[]string{"provider"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_executions_total",
				Help: "Tool executions by server, tool and outcome",
			},
			[]string{"server_id", "tool_name", "outcome"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server_id"},
		),
		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_validations_total",
				Help: "Validation lifecycle events by action",
			},
			[]string{"action"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_active_sessions",
				Help: "Chats with a running stream",
			},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_http_request_duration_seconds",
				Help:    "Duration of non-streaming HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
		gatherer: gatherer,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRetry counts one retry.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.LLMRetries.WithLabelValues(provider).Inc()
}

// RecordCircuitTransition updates the state gauge and counts the transition.
func (m *Metrics) RecordCircuitTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(provider, from, to).Inc()
	m.CircuitState.WithLabelValues(provider).Set(circuitStateValue(to))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordToolExecution records one tool call outcome.
func (m *Metrics) RecordToolExecution(serverID, toolName, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(serverID, toolName, outcome).Inc()
	if durationSeconds > 0 {
		m.ToolExecutionDuration.WithLabelValues(serverID).Observe(durationSeconds)
	}
}

// RecordValidation counts a validation event.
func (m *Metrics) RecordValidation(action string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(action).Inc()
}

// SetActiveSessions reports the number of running streams.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	if durationSeconds >= 0 {
		m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
	}
}
