package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	SegmentsTotal  *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec

	ControlActionsTotal *prometheus.CounterVec
	TelemetryErrors     *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of active call sessions",
	})

	callsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Total call sessions by terminal status",
	}, []string{"status"})

	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration in seconds",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_segments_total",
		Help:      "Finalized transcript segments by speaker",
	}, []string{"speaker"})

	toolCallsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Finalized tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})

	controlActionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_actions_total",
		Help:      "Operator control-plane actions by action and outcome",
	}, []string{"action", "outcome"})

	telemetryErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_errors_total",
		Help:      "Dropped telemetry deliveries by sink",
	}, []string{"sink"})

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		segmentsTotal,
		toolCallsTotal,
		controlActionsTotal,
		telemetryErrors,
	)

	return &Metrics{
		registry:            registry,
		CallsActive:         callsActive,
		CallsTotal:          callsTotal,
		CallDuration:        callDuration,
		SegmentsTotal:       segmentsTotal,
		ToolCallsTotal:      toolCallsTotal,
		ControlActionsTotal: controlActionsTotal,
		TelemetryErrors:     telemetryErrors,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.CallDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordSegment(speaker string) {
	if m == nil {
		return
	}
	m.SegmentsTotal.WithLabelValues(speaker).Inc()
}

func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordControlAction(action, outcome string) {
	if m == nil {
		return
	}
	m.ControlActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordTelemetryError(sink string) {
	if m == nil {
		return
	}
	m.TelemetryErrors.WithLabelValues(sink).Inc()
}
