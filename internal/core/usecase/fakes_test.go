package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// memRegistryStore mirrors the SQL store semantics: unique content hash,
// conditional transitions and chunk replacement in one step.
type memRegistryStore struct {
	mu      sync.Mutex
	docs    map[string]domain.Document
	byHash  map[string]string
	chunks  map[string][]domain.Chunk
	commits map[string]int
	listErr error
}

func newMemRegistryStore() *memRegistryStore {
	return &memRegistryStore{
		docs:    make(map[string]domain.Document),
		byHash:  make(map[string]string),
		chunks:  make(map[string][]domain.Chunk),
		commits: make(map[string]int),
	}
}

func (s *memRegistryStore) InsertDocument(_ context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[doc.ContentHash]; ok {
		existing := s.docs[id]
		return &existing, false, nil
	}
	s.docs[doc.ID] = *doc
	s.byHash[doc.ContentHash] = doc.ID
	stored := *doc
	return &stored, true, nil
}

func (s *memRegistryStore) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (s *memRegistryStore) ListDocuments(_ context.Context, status domain.DocumentStatus) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Document, 0)
	for _, doc := range s.docs {
		if status == "" || doc.Status == status {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memRegistryStore) CommitChunks(_ context.Context, documentID string, chunks []domain.Chunk, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "advance document", fmt.Errorf("id=%s", documentID))
	}
	if doc.Status != domain.StatusNew {
		return domain.WrapError(domain.ErrInvalidTransition, "advance document", fmt.Errorf("%s -> chunked", doc.Status))
	}
	doc.Status = domain.StatusChunked
	doc.ChunkCount = len(chunks)
	doc.ChunkedAt = &at
	doc.UpdatedAt = at
	s.docs[documentID] = doc
	s.chunks[documentID] = append([]domain.Chunk(nil), chunks...)
	s.commits[documentID]++
	return nil
}

func (s *memRegistryStore) MarkIndexed(_ context.Context, documentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "advance document", fmt.Errorf("id=%s", documentID))
	}
	if doc.Status != domain.StatusChunked {
		return domain.WrapError(domain.ErrInvalidTransition, "advance document", fmt.Errorf("%s -> indexed", doc.Status))
	}
	doc.Status = domain.StatusIndexed
	doc.IndexedAt = &at
	doc.UpdatedAt = at
	s.docs[documentID] = doc
	return nil
}

func (s *memRegistryStore) ListChunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Chunk(nil), s.chunks[documentID]...), nil
}

func (s *memRegistryStore) commitCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits[documentID]
}

// seedDocument registers content directly and returns its id.
func seedDocument(s *memRegistryStore, name, content string, status domain.DocumentStatus, at time.Time) string {
	hash := domain.HashContent([]byte(content))
	id := domain.NewDocumentID(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = domain.Document{
		ID: id, Filename: name, MimeType: "text/plain", StoragePath: id + "_" + name,
		ContentHash: hash, SizeBytes: int64(len(content)), Status: status, CreatedAt: at, UpdatedAt: at,
	}
	s.byHash[hash] = id
	return id
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = raw
	return nil
}

func (m *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "open", fmt.Errorf("key=%s", key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// storageExtractor returns the stored bytes as a single page.
type storageExtractor struct {
	storage *memStorage
	failFor map[string]error
}

func (e *storageExtractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	if err, ok := e.failFor[doc.Filename]; ok {
		return nil, err
	}
	rc, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return []domain.Page{{Number: 1, Text: string(raw)}}, nil
}

// paragraphChunker makes one chunk per blank-line separated paragraph.
type paragraphChunker struct {
	mu    sync.Mutex
	calls int
}

func (c *paragraphChunker) Chunk(_ context.Context, doc *domain.Document, pages []domain.Page) ([]domain.Chunk, domain.ChunkingStats, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	var chunks []domain.Chunk
	for _, page := range pages {
		for _, para := range strings.Split(page.Text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			chunks = append(chunks, domain.NewChunk(doc.ID, len(chunks), para, "", page.Number))
		}
	}
	return chunks, domain.ChunkingStats{Paragraphs: len(chunks), Chunks: len(chunks), Classifier: "paragraph"}, nil
}

// hashEmbedder maps text to a deterministic bag-of-words vector.
type hashEmbedder struct {
	mu        sync.Mutex
	model     string
	dimension int
	failTexts map[string]bool
	fatal     error
	calls     int
	embedded  int
}

func newHashEmbedder() *hashEmbedder {
	return &hashEmbedder{model: "hash-embed", dimension: 16, failTexts: map[string]bool{}}
}

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fatal != nil {
		return nil, e.fatal
	}
	for _, text := range texts {
		if e.failTexts[text] {
			return nil, domain.WrapError(domain.ErrModelUnavailable, "embed", errors.New("model rejected input"))
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = bagOfWords(text, e.dimension)
	}
	e.embedded += len(texts)
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *hashEmbedder) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

func (e *hashEmbedder) embeddedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.embedded
}

func bagOfWords(text string, dimension int) []float32 {
	v := make([]float32, dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range strings.Trim(word, ".,;:!?") {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		v[h%dimension]++
	}
	return v
}

// memVectors is a minimal exact-search vector store.
type memVectors struct {
	mu         sync.Mutex
	records    map[string]domain.EmbeddingRecord
	upserts    int
	corruptFor map[string]bool
	searchErr  error
}

func newMemVectors() *memVectors {
	return &memVectors{records: make(map[string]domain.EmbeddingRecord), corruptFor: map[string]bool{}}
}

func (m *memVectors) Upsert(_ context.Context, records []domain.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, rec := range records {
		if m.corruptFor[rec.ChunkID] {
			rec.TextHash = "corrupted"
		}
		m.records[rec.ChunkID] = rec
	}
	return nil
}

func (m *memVectors) Search(_ context.Context, vector []float32, limit int) ([]domain.VectorHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	hits := make([]domain.VectorHit, 0, len(m.records))
	for _, rec := range m.records {
		hits = append(hits, domain.VectorHit{Record: rec, Score: dot(vector, rec.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ChunkID < hits[j].Record.ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits, nil
}

func (m *memVectors) Records(_ context.Context, chunkIDs []string) (map[string]domain.RecordState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.RecordState)
	for _, id := range chunkIDs {
		if rec, ok := m.records[id]; ok {
			out[id] = domain.RecordState{ChunkID: id, TextHash: rec.TextHash, Model: rec.Model, Dimension: len(rec.Vector)}
		}
	}
	return out, nil
}

func (m *memVectors) DeleteDocumentChunks(_ context.Context, documentID string, keep []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepSet := map[string]bool{}
	for _, id := range keep {
		keepSet[id] = true
	}
	for id, rec := range m.records {
		if rec.DocumentID == documentID && !keepSet[id] {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *memVectors) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		if i < len(b) {
			s += float64(a[i]) * float64(b[i])
		}
	}
	return s
}

type scoreFunc func(query, text string) float64

type fakeCrossEncoder struct {
	score scoreFunc
	err   error
	calls int
	seen  int
}

func (f *fakeCrossEncoder) ScorePairs(_ context.Context, query string, texts []string) ([]float64, error) {
	f.calls++
	f.seen = len(texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(texts))
	for i, text := range texts {
		out[i] = f.score(query, text)
	}
	return out, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []domain.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type memHistory struct {
	mu        sync.Mutex
	turns     []domain.Turn
	appendErr error
}

func (h *memHistory) Append(_ context.Context, turn domain.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.appendErr != nil {
		return h.appendErr
	}
	h.turns = append(h.turns, turn)
	return nil
}

func (h *memHistory) Recent(_ context.Context, userID string, limit int) ([]domain.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Turn
	for _, turn := range h.turns {
		if turn.UserID == userID {
			out = append(out, turn)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	items   map[domain.ItemStatus]int
	batches []*domain.BatchReport
	stats   []domain.ChunkingStats
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{items: map[domain.ItemStatus]int{}}
}

func (o *recordingObserver) ObserveItem(_ string, status domain.ItemStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[status]++
}

func (o *recordingObserver) ObserveBatch(report *domain.BatchReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, report)
}

func (o *recordingObserver) ObserveChunking(stats domain.ChunkingStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = append(o.stats, stats)
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
