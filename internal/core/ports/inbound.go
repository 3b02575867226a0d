package ports

import (
	"context"
	"io"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document upload and registration.
type DocumentIngestor interface {
	Upload(ctx context.Context, filename, mimeType string, body io.Reader) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Entry(ctx context.Context, id string) (domain.RegistryEntry, error)
	PendingForChunking(ctx context.Context) ([]string, error)
	PendingForIndexing(ctx context.Context) ([]domain.Chunk, error)
	Documents(ctx context.Context, statuses ...domain.DocumentStatus) ([]domain.Document, error)
	Chunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// PipelineRunner runs the privileged operator-triggered batches.
type PipelineRunner interface {
	TriggerChunking(ctx context.Context) (*domain.BatchReport, error)
	TriggerIndexing(ctx context.Context) (*domain.BatchReport, error)
	ReindexAll(ctx context.Context) (*domain.BatchReport, error)
	Run(ctx context.Context, op domain.PipelineOperation) (*domain.BatchReport, error)
}

// Retriever is the inbound contract for ranked chunk retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, query string, kCandidates, nFinal int) (*domain.Retrieval, error)
}

// ConversationService answers user queries and exposes per-user history.
type ConversationService interface {
	Answer(ctx context.Context, userID, query string) (*domain.Answer, error)
	History(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
}
