package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pagepilot"

// Metrics collects agent level Prometheus metrics. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal        *prometheus.CounterVec
	stepDuration      prometheus.Histogram
	modelCalls        *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokens       *prometheus.CounterVec
	captureFailures   prometheus.Counter
	staleSnapshots    prometheus.Counter
	runsTotal         *prometheus.CounterVec
}

// NewMetrics registers the agent metrics on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "steps_total",
		Help:      "Completed agent steps by action and outcome.",
	}, []string{"action", "outcome"})

	m.stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "step_duration_seconds",
		Help:      "Wall clock duration of one perception/decision/action step.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	m.modelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "model_calls_total",
		Help:      "Model calls by backend and status.",
	}, []string{"backend", "status"})

	m.modelCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "model_call_duration_seconds",
		Help:      "Model call latency by backend.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})

	m.modelTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "model_tokens_total",
		Help:      "Tokens consumed by backend and kind.",
	}, []string{"backend", "kind"})

	m.captureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "capture_failures_total",
		Help:      "Failed perception capture attempts.",
	})

	m.staleSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "stale_snapshots_total",
		Help:      "Steps that fell back to the previous snapshot.",
	})

	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "runs_total",
		Help:      "Finished runs by terminal status.",
	}, []string{"status"})

	m.registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.modelCalls,
		m.modelCallDuration,
		m.modelTokens,
		m.captureFailures,
		m.staleSnapshots,
		m.runsTotal,
	)
	return m
}

// Registry exposes the underlying registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepCompleted records one finished step.
func (m *Metrics) StepCompleted(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(action, outcome).Inc()
	m.stepDuration.Observe(d.Seconds())
}

// ModelCall records one model call attempt.
func (m *Metrics) ModelCall(backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(backend, status).Inc()
	m.modelCallDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// Tokens records token usage.
func (m *Metrics) Tokens(backend string, prompt, completion int) {
	if m == nil {
		return
	}
	m.modelTokens.WithLabelValues(backend, "prompt").Add(float64(prompt))
	m.modelTokens.WithLabelValues(backend, "completion").Add(float64(completion))
}

// CaptureFailed counts one failed capture attempt.
func (m *Metrics) CaptureFailed() {
	if m == nil {
		return
	}
	m.captureFailures.Inc()
}

// StaleSnapshot counts one fallback to the previous snapshot.
func (m *Metrics) StaleSnapshot() {
	if m == nil {
		return
	}
	m.staleSnapshots.Inc()
}

// RunFinished counts a run by terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}
