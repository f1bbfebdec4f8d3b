// Package metrics defines the Prometheus instruments exported at
// /metrics. All recording methods are safe on a nil *Metrics, which
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steward"

// Metrics holds the process instruments.
type Metrics struct {
	// TurnsTotal counts completed turns.
	// Labels: intent (small_talk, main_agent, none), status (ok, error, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures turn wall time.
	// Labels: intent
	TurnDuration *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations.
	// Labels: tool, status (ok, error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolRounds observes how many tool rounds each reasoning turn used.
	ToolRounds prometheus.Histogram

	// TokensTotal counts model tokens.
	// Labels: model, direction (input, output)
	TokensTotal *prometheus.CounterVec

	// HTTPRequestsTotal counts API requests.
	// Labels: path, code
	HTTPRequestsTotal *prometheus.CounterVec

	// ActiveStreams is the number of SSE responses in flight.
	ActiveStreams prometheus.Gauge

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers the instruments with reg. Passing nil uses
// a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by routed intent and outcome",
		}, []string{"intent", "status"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Conversation turn wall time",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"intent"}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "status"}),
		ToolRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_rounds",
			Help:      "Tool rounds used per reasoning turn",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12},
		}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Model tokens by model and direction",
		}, []string{"model", "direction"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"path", "code"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_streams",
			Help:      "Streaming responses currently in flight",
		}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(intent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(intent, status).Inc()
	m.TurnDuration.WithLabelValues(intent).Observe(d.Seconds())
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveToolRounds records the rounds a reasoning turn used.
func (m *Metrics) ObserveToolRounds(n int) {
	if m == nil {
		return
	}
	m.ToolRounds.Observe(float64(n))
}

// AddTokens records model token usage.
func (m *Metrics) AddTokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

// ObserveRequest records a served API request.
func (m *Metrics) ObserveRequest(path string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(path, http.StatusText(code)).Inc()
}

// StreamStarted increments the in-flight stream gauge and returns a
// function that decrements it.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

// RateLimited records a throttled request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
