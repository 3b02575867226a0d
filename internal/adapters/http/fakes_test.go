package httpadapter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type ingestFake struct {
	err       error
	duplicate bool
}

func (f ingestFake) Upload(_ context.Context, filename, mimeType string, body io.Reader) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", io.EOF)
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:          "doc-1",
		Filename:    filename,
		MimeType:    mimeType,
		StoragePath: "doc-1_file.txt",
		ContentHash: domain.HashContent(raw),
		SizeBytes:   int64(len(raw)),
		Status:      domain.StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if f.duplicate {
		doc.Status = domain.StatusIndexed
		return doc, domain.WrapError(domain.ErrDuplicateDocument, "register", io.EOF)
	}
	return doc, nil
}

type documentsFake struct {
	err      error
	statuses []domain.DocumentStatus
}

func (f *documentsFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Filename: "a.txt", MimeType: "text/plain", StoragePath: "a", Status: domain.StatusChunked}, nil
}

func (f *documentsFake) Entry(ctx context.Context, id string) (domain.RegistryEntry, error) {
	doc, err := f.GetByID(ctx, id)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return doc.RegistryEntry(), nil
}

func (f *documentsFake) PendingForChunking(context.Context) ([]string, error) { return nil, f.err }

func (f *documentsFake) PendingForIndexing(context.Context) ([]domain.Chunk, error) { return nil, f.err }

func (f *documentsFake) Documents(_ context.Context, statuses ...domain.DocumentStatus) ([]domain.Document, error) {
	f.statuses = statuses
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Document{{ID: "doc-1", Status: domain.StatusNew}}, nil
}

func (f *documentsFake) Chunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	return []domain.Chunk{domain.NewChunk(documentID, 0, "text", "", 1)}, nil
}

type retrieverFake struct {
	err  error
	k, n int
}

func (f *retrieverFake) Retrieve(_ context.Context, _ string, kCandidates, nFinal int) (*domain.Retrieval, error) {
	f.k, f.n = kCandidates, nFinal
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Retrieval{Chunks: []domain.RankedChunk{{ChunkID: "c1", Text: "text", RerankScore: 2}}, Candidates: 1}, nil
}

type conversationFake struct {
	err   error
	limit int
}

func (f *conversationFake) Answer(_ context.Context, _ string, _ string) (*domain.Answer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Answer{Text: "ok", Citations: []domain.Citation{{ChunkID: "c1"}}}, nil
}

func (f *conversationFake) History(_ context.Context, userID string, limit int) ([]domain.Turn, error) {
	f.limit = limit
	return []domain.Turn{{UserID: userID, UserMessage: "q", AssistantMessage: "a"}}, nil
}

type triggerFake struct {
	published []domain.PipelineOperation
	err       error
}

func (f *triggerFake) PublishTrigger(_ context.Context, op domain.PipelineOperation) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, op)
	return nil
}

func (f *triggerFake) SubscribeTriggers(context.Context, func(context.Context, domain.PipelineOperation) error) error {
	return nil
}

type routerDeps struct {
	ingest       ingestFake
	documents    *documentsFake
	retriever    *retrieverFake
	conversation *conversationFake
	triggers     *triggerFake
}

func testConfig() config.Config {
	return config.Config{
		RetrievalTopK:   20,
		RetrievalFinalK: 3,
		MaxUploadSizeMB: 1,
		OperatorToken:   "secret",
	}
}

func newTestHandler(cfg config.Config, deps *routerDeps) http.Handler {
	if deps.documents == nil {
		deps.documents = &documentsFake{}
	}
	if deps.retriever == nil {
		deps.retriever = &retrieverFake{}
	}
	if deps.conversation == nil {
		deps.conversation = &conversationFake{}
	}
	if deps.triggers == nil {
		deps.triggers = &triggerFake{}
	}
	return NewRouter(cfg, deps.ingest, deps.documents, deps.retriever, deps.conversation, deps.triggers).Handler()
}
