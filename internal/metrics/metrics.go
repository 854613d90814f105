// Package metrics exposes Prometheus collectors for ingestion, retrieval and
// answering. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docqa"

type Metrics struct {
	ingestTotal       *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	embedRequests     *prometheus.CounterVec
	searchDuration    *prometheus.HistogramVec
	qaTotal           *prometheus.CounterVec
	generationRetries prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ingestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Ingestion attempts by outcome (ready or a failure reason).",
		}, []string{"result"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_seconds",
			Help:      "Time spent in each ingestion stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		embedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_requests_total",
			Help:      "Embedding backend requests by outcome.",
		}, []string{"result"}),
		searchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_seconds",
			Help:      "Vector search latency by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		qaTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_total",
			Help:      "Questions answered by outcome (answered, insufficient, error).",
		}, []string{"result"}),
		generationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Generation calls retried after a failure.",
		}),
	}
}

func (m *Metrics) IngestFinished(result string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) EmbedRequest(result string) {
	if m == nil {
		return
	}
	m.embedRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSearch(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) QAFinished(result string) {
	if m == nil {
		return
	}
	m.qaTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationRetry() {
	if m == nil {
		return
	}
	m.generationRetries.Inc()
}
