package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

func TestNormalizePath(t *testing.T) {
	if got := normalizePath("/v1/documents/abc"); got != "/v1/documents/{document_id}" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := normalizePath("/v1/documents/abc/chunks"); got != "/v1/documents/{document_id}/chunks" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := normalizePath("/v1/admin/reindex"); got != "/v1/admin/{operation}" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := normalizePath("/v1/chat"); got != "/v1/chat" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestPipelineMetricsExposesBatchOutcome(t *testing.T) {
	m := NewPipelineMetrics("worker")
	start := time.Now()
	report := domain.NewBatchReport("indexing", start)
	report.Fail("doc-1", nil)
	report.FinishedAt = start.Add(time.Second)

	m.ObserveItem("indexing", domain.ItemFailed, 10*time.Millisecond)
	m.ObserveBatch(report)
	m.ObserveChunking(domain.ChunkingStats{Chunks: 4, Degraded: true})

	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := res.Body.String()

	for _, want := range []string{
		`grag_pipeline_batches_total{operation="indexing",outcome="partial",service="worker"} 1`,
		`grag_chunking_degraded_total{service="worker"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestHTTPMetricsRecordsAnswerOutcome(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordAnswer("api", "chat", &domain.Answer{NoContext: true}, time.Millisecond)

	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), `grag_rag_answers_total{endpoint="chat",outcome="no_context",service="api"} 1`) {
		t.Fatalf("expected no_context answer metric, got:\n%s", res.Body.String())
	}
}

func TestHTTPMetricsServesIncludedPipelineMetrics(t *testing.T) {
	pipeline := NewPipelineMetrics("api")
	pipeline.ObserveRetry("ollama.embed")
	pipeline.ObserveBreakerState("ollama.embed", "open")

	m := NewHTTPServerMetrics("api")
	m.Include(pipeline.Gatherer())

	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := res.Body.String()
	for _, want := range []string{
		`grag_upstream_retries_total{operation="ollama.embed",service="api"} 1`,
		`grag_upstream_breaker_open{operation="ollama.embed",service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
