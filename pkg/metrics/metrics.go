// Package metrics collects Prometheus instrumentation for the platform.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector behind one handle. Each instance owns
// its registry, so constructing one per process (or per test) never
// trips duplicate registration.
//
// All record methods are nil-receiver safe: components treat a nil
// *Metrics as "instrumentation disabled".
type Metrics struct {
	registry *prometheus.Registry

	// RPCRequests counts JSON-RPC requests by persona, method, and
	// response code ("ok" for success, the numeric code otherwise).
	RPCRequests *prometheus.CounterVec

	// StepsTotal counts step terminal transitions by type and status.
	StepsTotal *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by model and kind (prompt|completion).
	LLMTokens *prometheus.CounterVec

	// LLMCost accumulates estimated spend in USD by model.
	LLMCost *prometheus.CounterVec

	// ToolExecutions counts tool dispatches by tool and status.
	ToolExecutions *prometheus.CounterVec

	// QueueClaims counts successful task claims by task type.
	QueueClaims *prometheus.CounterVec

	// QueueRetries counts task redeliveries (retryable failures plus
	// orphan requeues) by task type.
	QueueRetries *prometheus.CounterVec

	// SSESubscribers gauges currently attached stream subscribers.
	SSESubscribers prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_rpc_requests_total",
				Help: "JSON-RPC requests by persona, method, and response code",
			},
			[]string{"persona", "method", "code"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_steps_total",
				Help: "Step terminal transitions by type and status",
			},
			[]string{"type", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shaman_llm_request_duration_seconds",
				Help:    "LLM provider call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "status"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_llm_tokens_total",
				Help: "LLM tokens consumed by model and kind",
			},
			[]string{"model", "kind"},
		),

		LLMCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD by model",
			},
			[]string{"model"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_tool_executions_total",
				Help: "Tool dispatches by tool name and status",
			},
			[]string{"tool", "status"},
		),

		QueueClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_queue_claims_total",
				Help: "Queue task claims by task type",
			},
			[]string{"task_type"},
		),

		QueueRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_queue_retries_total",
				Help: "Queue task redeliveries by task type",
			},
			[]string{"task_type"},
		),

		SSESubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shaman_sse_subscribers",
				Help: "Currently attached SSE stream subscribers",
			},
		),
	}
}

// Handler serves this instance's registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRPC counts one JSON-RPC request outcome.
func (m *Metrics) RecordRPC(persona, method, code string) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(persona, method, code).Inc()
}

// RecordStep counts one step terminal transition.
func (m *Metrics) RecordStep(stepType, status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(stepType, status).Inc()
}

// RecordLLMCall records latency, tokens, and cost for one provider call.
func (m *Metrics) RecordLLMCall(model, status string, seconds float64, promptTokens, completionTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(model, status).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if costUSD > 0 {
		m.LLMCost.WithLabelValues(model).Add(costUSD)
	}
}

// RecordTool counts one tool dispatch outcome.
func (m *Metrics) RecordTool(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordClaim counts one successful task claim.
func (m *Metrics) RecordClaim(taskType string) {
	if m == nil {
		return
	}
	m.QueueClaims.WithLabelValues(taskType).Inc()
}

// RecordRetry counts one task redelivery.
func (m *Metrics) RecordRetry(taskType string) {
	if m == nil {
		return
	}
	m.QueueRetries.WithLabelValues(taskType).Inc()
}

// SubscriberAttached tracks an SSE subscriber coming online.
func (m *Metrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.SSESubscribers.Inc()
}

// SubscriberDetached tracks an SSE subscriber going away.
func (m *Metrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.SSESubscribers.Dec()
}
