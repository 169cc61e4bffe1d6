// Package metrics holds the Prometheus collectors for the evolution loop.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evoloop"

// Metrics is the set of collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	evaluations   *prometheus.CounterVec
	cacheHits     prometheus.Counter
	judgeFailures prometheus.Counter
	evalLatency   prometheus.Histogram
	armPulls      *prometheus.CounterVec
	budgetAborts  *prometheus.CounterVec
	generations   prometheus.Counter
	bestScore     prometheus.Gauge
	proposals     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations by routing path.",
		}, []string{"route"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eval_cache_hits_total",
			Help:      "Evaluations answered from cache.",
		}),
		judgeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_failures_total",
			Help:      "Judge calls replaced by neutral scores.",
		}),
		evalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eval_latency_seconds",
			Help:      "Evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		armPulls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bandit_pulls_total",
			Help:      "Bandit updates per arm.",
		}, []string{"arm"}),
		budgetAborts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_aborts_total",
			Help:      "Generations aborted by budget kind.",
		}, []string{"kind"}),
		generations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Completed generations.",
		}),
		bestScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "champion_score",
			Help:      "Quality score of the current champion.",
		}),
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_transitions_total",
			Help:      "Proposal status transitions.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Evaluation(route string, cached bool, seconds float64) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(route).Inc()
	if cached {
		m.cacheHits.Inc()
	}
	m.evalLatency.Observe(seconds)
}

func (m *Metrics) JudgeFailure() {
	if m == nil {
		return
	}
	m.judgeFailures.Inc()
}

func (m *Metrics) ArmPull(arm string) {
	if m == nil {
		return
	}
	m.armPulls.WithLabelValues(arm).Inc()
}

func (m *Metrics) BudgetAbort(kind string) {
	if m == nil {
		return
	}
	m.budgetAborts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Generation(champion float64) {
	if m == nil {
		return
	}
	m.generations.Inc()
	m.bestScore.Set(champion)
}

func (m *Metrics) ProposalTransition(status string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(status).Inc()
}
