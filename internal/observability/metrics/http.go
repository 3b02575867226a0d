package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const namespace = "grag"

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	extra    prometheus.Gatherers

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	answersTotal         *prometheus.CounterVec
	ragRetrievalHitTotal *prometheus.CounterVec
	ragNoContextTotal    *prometheus.CounterVec
	ragRetrievedChunks   *prometheus.HistogramVec
	ragDuration          *prometheus.HistogramVec
	rerankDegradedTotal  *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "answers_total",
			Help:      "Total answered queries by outcome.",
		},
		[]string{"service", "endpoint", "outcome"},
	)
	ragRetrievalHitTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieval_hit_total",
			Help:      "Total queries with at least one retrieved chunk.",
		},
		[]string{"service", "endpoint"},
	)
	ragNoContextTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "no_context_total",
			Help:      "Total queries without retrieved chunks.",
		},
		[]string{"service", "endpoint"},
	)
	ragRetrievedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Distribution of retrieved chunks per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "endpoint"},
	)
	ragDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "duration_seconds",
			Help:      "Query execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	rerankDegradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "rerank_degraded_total",
			Help:      "Total retrievals that fell back to vector order.",
		},
		[]string{"service", "endpoint"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		answersTotal,
		ragRetrievalHitTotal,
		ragNoContextTotal,
		ragRetrievedChunks,
		ragDuration,
		rerankDegradedTotal,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		answersTotal:         answersTotal,
		ragRetrievalHitTotal: ragRetrievalHitTotal,
		ragNoContextTotal:    ragNoContextTotal,
		ragRetrievedChunks:   ragRetrievedChunks,
		ragDuration:          ragDuration,
		rerankDegradedTotal:  rerankDegradedTotal,
	}
}

// Include adds gatherers served alongside the HTTP metrics, such as the
// pipeline metrics of an API process running inline batches.
func (m *HTTPServerMetrics) Include(gatherers ...prometheus.Gatherer) {
	m.extra = append(m.extra, gatherers...)
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	gatherers := append(prometheus.Gatherers{m.registry}, m.extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/") && strings.HasSuffix(path, "/chunks"):
		return "/v1/documents/{document_id}/chunks"
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{document_id}"
	case strings.HasPrefix(path, "/v1/admin/"):
		return "/v1/admin/{operation}"
	default:
		return path
	}
}

// RecordRetrieval observes a retrieval-only request.
func (m *HTTPServerMetrics) RecordRetrieval(service, endpoint string, retrieval *domain.Retrieval, duration time.Duration) {
	if retrieval == nil {
		return
	}
	m.observeChunks(service, endpoint, len(retrieval.Chunks), duration)
	if retrieval.RerankDegraded {
		m.rerankDegradedTotal.WithLabelValues(service, endpoint).Inc()
	}
}

// RecordAnswer observes a completed conversational query.
func (m *HTTPServerMetrics) RecordAnswer(service, endpoint string, answer *domain.Answer, duration time.Duration) {
	if answer == nil {
		return
	}
	outcome := "ok"
	switch {
	case answer.Failed:
		outcome = "failed"
	case answer.NoContext:
		outcome = "no_context"
	}
	m.answersTotal.WithLabelValues(service, endpoint, outcome).Inc()
	m.observeChunks(service, endpoint, len(answer.Citations), duration)
}

func (m *HTTPServerMetrics) observeChunks(service, endpoint string, count int, duration time.Duration) {
	m.ragRetrievedChunks.WithLabelValues(service, endpoint).Observe(float64(count))
	m.ragDuration.WithLabelValues(service, endpoint).Observe(duration.Seconds())

	if count > 0 {
		m.ragRetrievalHitTotal.WithLabelValues(service, endpoint).Inc()
		return
	}
	m.ragNoContextTotal.WithLabelValues(service, endpoint).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
