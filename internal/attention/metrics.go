package attention

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	calls        *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	workspace    *prometheus.HistogramVec
	computeTime  *prometheus.HistogramVec
	runnerBuilds prometheus.Counter
	cacheTokens  prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmha",
			Name:      "attention_calls_total",
			Help:      "Attention calls by execution path",
		}, []string{"path"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmha",
			Name:      "fused_fallbacks_total",
			Help:      "Calls that passed static eligibility but fell back to the generic path",
		}, []string{"stage"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmha",
			Name:      "attention_errors_total",
			Help:      "Failed attention calls by error class",
		}, []string{"class"}),
		workspace: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fmha",
			Name:      "workspace_bytes",
			Help:      "Workspace bytes requested per call",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 12),
		}, []string{"path"}),
		computeTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fmha",
			Name:      "compute_seconds",
			Help:      "Host time to enqueue (and for Run, finish) a call",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"path"}),
		runnerBuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fmha",
			Name:      "fused_runner_constructions_total",
			Help:      "Fused runner constructions",
		}),
		cacheTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fmha",
			Name:      "kv_cache_tokens",
			Help:      "Total sequence length of the most recent cache-bearing call",
		}),
	}
}

func (m *Metrics) observeSelection(sel Selection) {
	if m == nil || sel.fallback == "" {
		return
	}
	m.fallbacks.WithLabelValues(sel.fallback).Inc()
}

func (m *Metrics) observeCall(path Path, workspace int, p Parameters, hasCache bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(path.String()).Inc()
	m.workspace.WithLabelValues(path.String()).Observe(float64(workspace))
	m.computeTime.WithLabelValues(path.String()).Observe(elapsed.Seconds())
	if hasCache {
		m.cacheTokens.Set(float64(p.TotalSequenceLength))
	}
}

func (m *Metrics) observeError(class string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(class).Inc()
}

func (m *Metrics) observeRunnerBuild() {
	if m == nil {
		return
	}
	m.runnerBuilds.Inc()
}
