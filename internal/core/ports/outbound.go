package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// RegistryStore persists documents, their chunks and status transitions.
// Every method commits before returning.
type RegistryStore interface {
	// InsertDocument inserts doc unless a document with the same content hash
	// exists. It returns the stored document and whether this call inserted it.
	InsertDocument(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error)
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context, status domain.DocumentStatus) ([]domain.Document, error)
	// CommitChunks replaces the chunk set and moves new -> chunked in one
	// transaction. It returns ErrInvalidTransition when the document is not new.
	CommitChunks(ctx context.Context, documentID string, chunks []domain.Chunk, at time.Time) error
	// MarkIndexed moves chunked -> indexed or returns ErrInvalidTransition.
	MarkIndexed(ctx context.Context, documentID string, at time.Time) error
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// HistoryStore keeps per-user conversation turns.
type HistoryStore interface {
	Append(ctx context.Context, turn domain.Turn) error
	// Recent returns at most limit turns in chronological order.
	Recent(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor extracts per-page text from a stored document.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error)
}

// BoundaryClassifier decides whether two adjacent text units belong together.
type BoundaryClassifier interface {
	Name() string
	SameUnit(ctx context.Context, left, right string) (domain.BoundaryDecision, error)
}

// Chunker turns extracted pages into ordered chunks.
type Chunker interface {
	Chunk(ctx context.Context, doc *domain.Document, pages []domain.Page) ([]domain.Chunk, domain.ChunkingStats, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// VectorStore holds one embedding record per chunk id.
type VectorStore interface {
	// Upsert replaces vector and payload of each record in a single write.
	Upsert(ctx context.Context, records []domain.EmbeddingRecord) error
	// Search returns hits ordered by similarity. A missing collection is empty.
	Search(ctx context.Context, vector []float32, limit int) ([]domain.VectorHit, error)
	Records(ctx context.Context, chunkIDs []string) (map[string]domain.RecordState, error)
	// DeleteDocumentChunks removes records of documentID whose chunk id is not in keep.
	DeleteDocumentChunks(ctx context.Context, documentID string, keep []string) error
}

// CrossEncoder scores (query, text) pairs. Higher is more relevant.
type CrossEncoder interface {
	ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error)
}

// AnswerGenerator performs a single LLM completion.
type AnswerGenerator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
}

// BatchTrigger carries operator pipeline triggers between processes.
type BatchTrigger interface {
	PublishTrigger(ctx context.Context, op domain.PipelineOperation) error
	SubscribeTriggers(ctx context.Context, handler func(context.Context, domain.PipelineOperation) error) error
}

// PipelineObserver receives per-item pipeline outcomes.
type PipelineObserver interface {
	ObserveItem(operation string, status domain.ItemStatus, duration time.Duration)
	ObserveBatch(report *domain.BatchReport)
	ObserveChunking(stats domain.ChunkingStats)
}
