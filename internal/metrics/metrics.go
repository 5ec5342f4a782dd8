// Package metrics holds the Prometheus collectors for the request pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the orchestrator and server emit to.
type Metrics struct {
	RequestDuration  *prometheus.HistogramVec
	SourceLatency    *prometheus.HistogramVec
	SourceHits       *prometheus.CounterVec
	SourceFailures   *prometheus.CounterVec
	RerankLatency    prometheus.Histogram
	GeneratorLatency prometheus.Histogram
	CacheLookups     *prometheus.CounterVec
	CorpusVersion    prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production; a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alcove_request_duration_seconds",
			Help:    "End-to-end answer request duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode", "status"}),

		SourceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alcove_source_latency_seconds",
			Help:    "Per-source retrieval latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),

		SourceHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alcove_source_hits_total",
			Help: "Hits contributed per source.",
		}, []string{"source"}),

		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alcove_source_failures_total",
			Help: "Branch-level failures per source, by reason.",
		}, []string{"source", "reason"}),

		RerankLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "alcove_rerank_latency_seconds",
			Help:    "Cross-encoder rerank call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		GeneratorLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "alcove_generator_latency_seconds",
			Help:    "Generator call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alcove_cache_lookups_total",
			Help: "Response cache lookups by outcome.",
		}, []string{"status"}),

		CorpusVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alcove_corpus_version",
			Help: "Current corpus version counter.",
		}),
	}
}

// ObserveSource records one branch completion.
func (m *Metrics) ObserveSource(source string, elapsed time.Duration, hits int) {
	m.SourceLatency.WithLabelValues(source).Observe(elapsed.Seconds())
	m.SourceHits.WithLabelValues(source).Add(float64(hits))
}
