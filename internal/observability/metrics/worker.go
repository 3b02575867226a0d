package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// PipelineMetrics observes chunking and indexing batches.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	itemTotal        *prometheus.CounterVec
	itemDuration     *prometheus.HistogramVec
	batchTotal       *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	chunksPerDoc     prometheus.Histogram
	chunkingDegraded prometheus.Counter
	upstreamRetries  *prometheus.CounterVec
	breakerOpen      *prometheus.GaugeVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	itemTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Total processed batch items by operation and status.",
		},
		[]string{"service", "operation", "status"},
	)
	itemDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "item_duration_seconds",
			Help:      "Per-item processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "operation", "status"},
	)
	batchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total finished batches by operation and outcome.",
		},
		[]string{"service", "operation", "outcome"},
	)
	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Batch duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "operation"},
	)
	chunksPerDoc := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "chunking",
			Name:        "chunks_per_document",
			Help:        "Distribution of chunks produced per document.",
			Buckets:     []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
			ConstLabels: constLabels,
		},
	)
	chunkingDegraded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chunking",
			Name:        "degraded_total",
			Help:        "Documents chunked with the structural fallback after a classifier failure.",
			ConstLabels: constLabels,
		},
	)

	upstreamRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "upstream",
			Name:        "retries_total",
			Help:        "Retried calls to model, vector and queue backends.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	breakerOpen := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "upstream",
			Name:        "breaker_open",
			Help:        "1 while the circuit breaker of an operation is open, 0.5 half-open, 0 closed.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		itemTotal,
		itemDuration,
		batchTotal,
		batchDuration,
		chunksPerDoc,
		chunkingDegraded,
		upstreamRetries,
		breakerOpen,
	)

	return &PipelineMetrics{
		registry:         registry,
		service:          service,
		itemTotal:        itemTotal,
		itemDuration:     itemDuration,
		batchTotal:       batchTotal,
		batchDuration:    batchDuration,
		chunksPerDoc:     chunksPerDoc,
		chunkingDegraded: chunkingDegraded,
		upstreamRetries:  upstreamRetries,
		breakerOpen:      breakerOpen,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer lets another endpoint serve these metrics.
func (m *PipelineMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *PipelineMetrics) ObserveItem(operation string, status domain.ItemStatus, duration time.Duration) {
	m.itemTotal.WithLabelValues(m.service, operation, string(status)).Inc()
	m.itemDuration.WithLabelValues(m.service, operation, string(status)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveBatch(report *domain.BatchReport) {
	if report == nil {
		return
	}
	outcome := "success"
	switch {
	case report.Halted:
		outcome = "halted"
	case report.Failed > 0:
		outcome = "partial"
	}
	m.batchTotal.WithLabelValues(m.service, report.Operation, outcome).Inc()
	if !report.FinishedAt.IsZero() {
		m.batchDuration.WithLabelValues(m.service, report.Operation).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

func (m *PipelineMetrics) ObserveChunking(stats domain.ChunkingStats) {
	m.chunksPerDoc.Observe(float64(stats.Chunks))
	if stats.Degraded {
		m.chunkingDegraded.Inc()
	}
}

func (m *PipelineMetrics) ObserveRetry(operation string) {
	m.upstreamRetries.WithLabelValues(operation).Inc()
}

func (m *PipelineMetrics) ObserveBreakerState(operation, state string) {
	value := 0.0
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	m.breakerOpen.WithLabelValues(operation).Set(value)
}
