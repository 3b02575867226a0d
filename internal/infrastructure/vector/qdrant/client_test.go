package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

func collectionInfo(size int) string {
	b, _ := json.Marshal(map[string]any{
		"result": map[string]any{
			"config": map[string]any{
				"params": map[string]any{
					"vectors": map[string]any{"size": size, "distance": "Cosine"},
				},
			},
		},
	})
	return string(b)
}

func testRecord(id string) domain.EmbeddingRecord {
	return domain.EmbeddingRecord{
		ChunkID:    id,
		DocumentID: "doc-1",
		Filename:   "a.txt",
		Text:       "text " + id,
		TextHash:   "hash-" + id,
		Model:      "embed",
		Vector:     []float32{0.1, 0.2},
	}
}

func TestUpsertCreatesCollectionOnce(t *testing.T) {
	var createCalls int32
	var upserted []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			if atomic.LoadInt32(&createCalls) == 0 {
				http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(collectionInfo(2)))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			atomic.AddInt32(&createCalls, 1)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"result":true}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
			if r.URL.Query().Get("wait") != "true" {
				t.Errorf("upsert must wait for the write")
			}
			var body struct {
				Points []map[string]any `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			upserted = append(upserted, body.Points...)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "docs", 2)
	records := []domain.EmbeddingRecord{testRecord("c1"), testRecord("c2")}

	if err := client.Upsert(context.Background(), records); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	if err := client.Upsert(context.Background(), records); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if got := atomic.LoadInt32(&createCalls); got != 1 {
		t.Fatalf("expected collection created once, got %d", got)
	}
	if len(upserted) != 4 || upserted[0]["id"] != "c1" {
		t.Fatalf("unexpected points: %+v", upserted)
	}
	payload := upserted[0]["payload"].(map[string]any)
	if payload["text_hash"] != "hash-c1" || payload["doc_id"] != "doc-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEnsureCollectionRejectsOtherDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/collections/docs" {
			_, _ = w.Write([]byte(collectionInfo(384)))
			return
		}
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer server.Close()

	client := New(server.URL, "docs", 2)
	err := client.Upsert(context.Background(), []domain.EmbeddingRecord{testRecord("c1")})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestUpsertRejectsWrongVectorLengthLocally(t *testing.T) {
	client := New("http://127.0.0.1:1", "docs", 3)
	err := client.Upsert(context.Background(), []domain.EmbeddingRecord{testRecord("c1")})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, "docs", 2)
	err := client.Upsert(context.Background(), []domain.EmbeddingRecord{testRecord("c1")})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}

func TestSearchMissingCollectionIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Collection docs not found"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	hits, err := New(server.URL, "docs", 2).Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestSearchAssignsRanksInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[
			{"score":0.9,"payload":{"chunk_id":"c2","doc_id":"d","ordinal":1,"page":3,"text":"two"}},
			{"score":0.4,"payload":{"chunk_id":"c1","doc_id":"d","ordinal":0,"text":"one"}}
		]}`))
	}))
	defer server.Close()

	hits, err := New(server.URL, "docs", 2).Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[0].Rank != 1 || hits[1].Rank != 2 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Record.ChunkID != "c2" || hits[0].Record.Page != 3 || hits[0].Record.Ordinal != 1 {
		t.Fatalf("unexpected record: %+v", hits[0].Record)
	}
}

func TestRecordsReportsHashAndDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"c1","payload":{"chunk_id":"c1","text_hash":"h1","model":"nomic-embed-text"},"vector":[0.1,0.2]}]}`))
	}))
	defer server.Close()

	states, err := New(server.URL, "docs", 2).Records(context.Background(), []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(states) != 1 || states["c1"].TextHash != "h1" || states["c1"].Dimension != 2 {
		t.Fatalf("unexpected states: %+v", states)
	}
	if states["c1"].Model != "nomic-embed-text" {
		t.Fatalf("Model = %q, want nomic-embed-text", states["c1"].Model)
	}
}

func TestDeleteDocumentChunksKeepsCurrentIDs(t *testing.T) {
	var filter map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filter map[string]any `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		filter = body.Filter
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	if err := New(server.URL, "docs", 2).DeleteDocumentChunks(context.Background(), "doc-1", []string{"c1"}); err != nil {
		t.Fatalf("DeleteDocumentChunks() error = %v", err)
	}
	mustNot, ok := filter["must_not"].([]any)
	if !ok || len(mustNot) != 1 {
		t.Fatalf("expected must_not with kept ids, got %+v", filter)
	}
}
