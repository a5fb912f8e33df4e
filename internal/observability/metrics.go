// Package observability provides metrics, tracing, and logging for the
// ensemble runtime: Prometheus counters and histograms around the turn
// pipeline, OpenTelemetry spans, and structured slog setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric registry for the runtime.
type Metrics struct {
	// TurnCounter counts turns by template and outcome.
	// Labels: template, status (success|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: template
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// HandoffCounter counts delegations.
	// Labels: from, to
	HandoffCounter *prometheus.CounterVec

	// GateRejections counts security-gate rejections by kind.
	// Labels: kind (auth_failed|rate_limited|quota_exceeded|content_blocked|permission_denied)
	GateRejections *prometheus.CounterVec

	// SessionOps counts session store operations.
	// Labels: backend (memory|redis), op, status (success|error)
	SessionOps *prometheus.CounterVec

	// ActiveTurns gauges turns currently executing.
	ActiveTurns prometheus.Gauge
}

// NewMetrics registers all metrics on reg; a nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_turns_total",
			Help: "Agent turns by template and outcome.",
		}, []string{"template", "status"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemble_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"template"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemble_llm_request_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_llm_tokens_total",
			Help: "Token consumption by provider and direction.",
		}, []string{"provider", "model", "type"}),

		HandoffCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_handoffs_total",
			Help: "Agent-to-agent delegations.",
		}, []string{"from", "to"}),

		GateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_gate_rejections_total",
			Help: "Security-gate rejections by kind.",
		}, []string{"kind"}),

		SessionOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_session_ops_total",
			Help: "Session store operations.",
		}, []string{"backend", "op", "status"}),

		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_active_turns",
			Help: "Turns currently executing.",
		}),
	}
}
