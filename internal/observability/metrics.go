package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/skillsruntime/internal/events"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Metrics holds the Prometheus collectors for run activity.
type Metrics struct {
	// EventCounter counts every emitted run event.
	// Labels: type
	EventCounter *prometheus.CounterVec

	// RunCounter counts terminal run outcomes.
	// Labels: outcome (completed|failed|cancelled)
	RunCounter *prometheus.CounterVec

	// ToolCallCounter counts finished tool calls.
	// Labels: tool_name, status (ok|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval decisions.
	// Labels: decision (approved|approved_for_session|denied)
	ApprovalCounter *prometheus.CounterVec

	// LLMRequestCounter counts model requests by model name.
	LLMRequestCounter *prometheus.CounterVec

	// ActiveRuns tracks runs currently between start and terminal event.
	ActiveRuns prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a fresh
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillsrt_events_total",
				Help: "Total run events emitted by type",
			},
			[]string{"type"},
		),
		RunCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillsrt_runs_total",
				Help: "Total runs by terminal outcome",
			},
			[]string{"outcome"},
		),
		ToolCallCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillsrt_tool_calls_total",
				Help: "Total finished tool calls by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skillsrt_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name"},
		),
		ApprovalCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillsrt_approvals_total",
				Help: "Total approval decisions by outcome",
			},
			[]string{"decision"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillsrt_llm_requests_total",
				Help: "Total model requests by model",
			},
			[]string{"model"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skillsrt_active_runs",
				Help: "Runs currently in flight",
			},
		),
	}
	reg.MustRegister(
		m.EventCounter,
		m.RunCounter,
		m.ToolCallCounter,
		m.ToolCallDuration,
		m.ApprovalCounter,
		m.LLMRequestCounter,
		m.ActiveRuns,
	)
	return m
}

// Hook returns an emitter hook that feeds the collectors from the event
// stream. Payload fields it reads are part of the sanitized projection, so
// nothing sensitive reaches a label.
func (m *Metrics) Hook() events.Hook {
	return func(event models.Event) {
		m.EventCounter.WithLabelValues(string(event.Type)).Inc()

		switch event.Type {
		case models.EventRunStarted:
			m.ActiveRuns.Inc()
		case models.EventRunCompleted:
			m.ActiveRuns.Dec()
			m.RunCounter.WithLabelValues("completed").Inc()
		case models.EventRunFailed:
			m.ActiveRuns.Dec()
			m.RunCounter.WithLabelValues("failed").Inc()
		case models.EventRunCancelled:
			m.ActiveRuns.Dec()
			m.RunCounter.WithLabelValues("cancelled").Inc()
		case models.EventLLMRequestStarted:
			model, _ := event.Payload["model"].(string)
			m.LLMRequestCounter.WithLabelValues(model).Inc()
		case models.EventToolCallFinished:
			name, _ := event.Payload["tool_name"].(string)
			status := "error"
			if ok, _ := event.Payload["ok"].(bool); ok {
				status = "ok"
			}
			m.ToolCallCounter.WithLabelValues(name, status).Inc()
			if ms, ok := asFloat(event.Payload["duration_ms"]); ok {
				m.ToolCallDuration.WithLabelValues(name).Observe(ms / 1000)
			}
		case models.EventApprovalDecided:
			decision, _ := event.Payload["decision"].(string)
			m.ApprovalCounter.WithLabelValues(decision).Inc()
		}
	}
}

// asFloat tolerates both in-memory int64 payloads and JSON-decoded
// float64 payloads.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
