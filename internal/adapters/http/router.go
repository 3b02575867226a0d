package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

const serviceName = "api"

type Router struct {
	cfg          config.Config
	ingest       ports.DocumentIngestor
	documents    ports.DocumentReader
	retriever    ports.Retriever
	conversation ports.ConversationService
	triggers     ports.BatchTrigger
	metrics      *metrics.HTTPServerMetrics
}

type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
	}
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	documents ports.DocumentReader,
	retriever ports.Retriever,
	conversation ports.ConversationService,
	triggers ports.BatchTrigger,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:          cfg,
		ingest:       ingest,
		documents:    documents,
		retriever:    retriever,
		conversation: conversation,
		triggers:     triggers,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("GET /v1/documents/{id}/chunks", rt.listChunks)
	mux.HandleFunc("POST /v1/retrieve", rt.retrieve)
	mux.HandleFunc("POST /v1/chat", rt.chat)
	mux.HandleFunc("GET /v1/history", rt.history)
	mux.Handle("POST /v1/admin/{operation}", rt.operatorOnly(http.HandlerFunc(rt.triggerOperation)))
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	*domain.Document
	Duplicate bool `json:"duplicate,omitempty"`
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.MaxUploadSizeMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadSizeMB<<20)
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(
		r.Context(),
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		file,
	)
	if err != nil {
		if doc != nil && domain.IsKind(err, domain.ErrDuplicateDocument) {
			writeJSON(w, http.StatusOK, uploadResponse{Document: doc, Duplicate: true})
			return
		}
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{Document: doc})
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	statuses := []domain.DocumentStatus{domain.StatusNew, domain.StatusChunked, domain.StatusIndexed}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.DocumentStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "status must be new, chunked or indexed")
			return
		}
		statuses = []domain.DocumentStatus{status}
	}

	docs, err := rt.documents.Documents(r.Context(), statuses...)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	doc, err := rt.documents.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) listChunks(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := rt.documents.GetByID(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	chunks, err := rt.documents.Chunks(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "chunks": chunks})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query       string `json:"query"`
		KCandidates int    `json:"k_candidates"`
		NFinal      int    `json:"n_final"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.KCandidates == 0 {
		req.KCandidates = rt.cfg.RetrievalTopK
	}
	if req.NFinal == 0 {
		req.NFinal = rt.cfg.RetrievalFinalK
	}

	started := time.Now()
	result, err := rt.retriever.Retrieve(r.Context(), req.Query, req.KCandidates, req.NFinal)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, "/v1/retrieve", result, time.Since(started))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Query  string `json:"query"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "user_id and query are required")
		return
	}

	started := time.Now()
	answer, err := rt.conversation.Answer(r.Context(), req.UserID, req.Query)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordAnswer(serviceName, "/v1/chat", answer, time.Since(started))
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) history(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := rt.conversation.History(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

func (rt *Router) triggerOperation(w http.ResponseWriter, r *http.Request) {
	op := domain.PipelineOperation(r.PathValue("operation"))
	if !op.Valid() {
		writeError(w, http.StatusBadRequest, "operation must be chunking, indexing or reindex")
		return
	}
	if err := rt.triggers.PublishTrigger(r.Context(), op); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation": string(op), "status": "queued"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request_failed", "path", r.URL.Path, "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
