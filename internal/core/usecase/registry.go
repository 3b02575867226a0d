package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// Registry owns document processing status. Transitions only move forward
// (new -> chunked -> indexed), are serialized per document and are committed
// before the call returns.
type Registry struct {
	store  ports.RegistryStore
	logger *slog.Logger
	now    func() time.Time

	docLocks  *keyedMutex
	hashLocks *keyedMutex

	lifecycle sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
}

func OpenRegistry(store ports.RegistryStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		docLocks:  newKeyedMutex(),
		hashLocks: newKeyedMutex(),
	}
}

// Close waits for in-flight calls. Calls after Close fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.lifecycle.Lock()
	if r.closed {
		r.lifecycle.Unlock()
		return nil
	}
	r.closed = true
	r.lifecycle.Unlock()

	r.inflight.Wait()
	return nil
}

func (r *Registry) enter(operation string) (func(), error) {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.closed {
		return nil, domain.WrapError(domain.ErrRegistryClosed, operation, errors.New("registry is closed"))
	}
	r.inflight.Add(1)
	return r.inflight.Done, nil
}

// Register inserts doc unless its content hash is already known. A known
// document that is still new is returned without error; one that has been
// chunked or indexed is returned together with ErrDuplicateDocument.
func (r *Registry) Register(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	leave, err := r.enter("register")
	if err != nil {
		return nil, err
	}
	defer leave()

	if doc == nil || doc.ContentHash == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "register", errors.New("content hash is required"))
	}
	if doc.ID == "" {
		doc.ID = domain.NewDocumentID(doc.ContentHash)
	}
	now := r.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Status = domain.StatusNew
	doc.ChunkCount = 0
	doc.ChunkedAt = nil
	doc.IndexedAt = nil

	unlock := r.hashLocks.Lock(doc.ContentHash)
	defer unlock()

	stored, inserted, err := r.store.InsertDocument(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}
	if inserted {
		r.logger.InfoContext(ctx, "document_registered",
			"document_id", stored.ID,
			"filename", stored.Filename,
			"content_hash", stored.ContentHash,
		)
		return stored, nil
	}
	if stored.Status == domain.StatusNew {
		return stored, nil
	}
	return stored, domain.WrapError(domain.ErrDuplicateDocument, "register",
		fmt.Errorf("content already %s as %s", stored.Status, stored.ID))
}

// MarkChunked stores chunks and moves the document from new to chunked in one
// transaction. Calling it again returns ErrInvalidTransition and keeps the
// first chunk set.
func (r *Registry) MarkChunked(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	leave, err := r.enter("mark chunked")
	if err != nil {
		return err
	}
	defer leave()

	unlock := r.docLocks.Lock(documentID)
	defer unlock()

	if err := r.store.CommitChunks(ctx, documentID, chunks, r.now()); err != nil {
		return fmt.Errorf("mark chunked: %w", err)
	}
	r.logger.InfoContext(ctx, "document_chunked", "document_id", documentID, "chunks", len(chunks))
	return nil
}

func (r *Registry) MarkIndexed(ctx context.Context, documentID string) error {
	leave, err := r.enter("mark indexed")
	if err != nil {
		return err
	}
	defer leave()

	unlock := r.docLocks.Lock(documentID)
	defer unlock()

	if err := r.store.MarkIndexed(ctx, documentID, r.now()); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	r.logger.InfoContext(ctx, "document_indexed", "document_id", documentID)
	return nil
}

func (r *Registry) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	leave, err := r.enter("get document")
	if err != nil {
		return nil, err
	}
	defer leave()
	return r.store.GetDocument(ctx, id)
}

func (r *Registry) Entry(ctx context.Context, id string) (domain.RegistryEntry, error) {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return doc.RegistryEntry(), nil
}

// PendingForChunking lists ids of new documents, oldest first.
func (r *Registry) PendingForChunking(ctx context.Context) ([]string, error) {
	docs, err := r.Documents(ctx, domain.StatusNew)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// PendingForIndexing lists the chunks of chunked documents.
func (r *Registry) PendingForIndexing(ctx context.Context) ([]domain.Chunk, error) {
	return r.chunksOf(ctx, domain.StatusChunked)
}

// IndexableChunks lists the chunks of chunked and indexed documents.
func (r *Registry) IndexableChunks(ctx context.Context) ([]domain.Chunk, error) {
	return r.chunksOf(ctx, domain.StatusChunked, domain.StatusIndexed)
}

// Documents lists documents in any of statuses, oldest first.
func (r *Registry) Documents(ctx context.Context, statuses ...domain.DocumentStatus) ([]domain.Document, error) {
	leave, err := r.enter("list documents")
	if err != nil {
		return nil, err
	}
	defer leave()

	out := make([]domain.Document, 0)
	for _, status := range statuses {
		docs, err := r.store.ListDocuments(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s documents: %w", status, err)
		}
		out = append(out, docs...)
	}
	return out, nil
}

func (r *Registry) Chunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	leave, err := r.enter("list chunks")
	if err != nil {
		return nil, err
	}
	defer leave()

	chunks, err := r.store.ListChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", documentID, err)
	}
	return chunks, nil
}

func (r *Registry) chunksOf(ctx context.Context, statuses ...domain.DocumentStatus) ([]domain.Chunk, error) {
	docs, err := r.Documents(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, 0)
	for _, doc := range docs {
		chunks, err := r.Chunks(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}
