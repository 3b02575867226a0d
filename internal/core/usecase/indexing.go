package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const DefaultEmbedBatchSize = 32

type IndexingService struct {
	registry    *Registry
	embedder    ports.Embedder
	vectors     ports.VectorStore
	observer    ports.PipelineObserver
	batchSize   int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewIndexingService(
	registry *Registry,
	embedder ports.Embedder,
	vectors ports.VectorStore,
	observer ports.PipelineObserver,
	batchSize, concurrency int,
	logger *slog.Logger,
) *IndexingService {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexingService{
		registry:    registry,
		embedder:    embedder,
		vectors:     vectors,
		observer:    observerOrNoop(observer),
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TriggerIndexing embeds and upserts the chunks of every chunked document,
// then marks each fully indexed document as indexed. Documents still new are
// never touched.
func (s *IndexingService) TriggerIndexing(ctx context.Context) (*domain.BatchReport, error) {
	docs, err := s.registry.Documents(ctx, domain.StatusChunked)
	if err != nil {
		return nil, fmt.Errorf("list documents pending indexing: %w", err)
	}
	return s.run(ctx, domain.OperationIndexing, docs)
}

// ReindexAll brings the vector collection in line with the chunks of every
// chunked or indexed document. Only missing or changed chunks, or chunks
// embedded by another model, are embedded, so a second run with no changes
// writes nothing.
func (s *IndexingService) ReindexAll(ctx context.Context) (*domain.BatchReport, error) {
	docs, err := s.registry.Documents(ctx, domain.StatusChunked, domain.StatusIndexed)
	if err != nil {
		return nil, fmt.Errorf("list indexable documents: %w", err)
	}
	return s.run(ctx, domain.OperationReindex, docs)
}

// run processes docs with bounded parallelism. A fatal error halts the batch:
// documents not yet started are skipped and the error is returned with the
// report.
func (s *IndexingService) run(ctx context.Context, op domain.PipelineOperation, docs []domain.Document) (*domain.BatchReport, error) {
	report := domain.NewBatchReport(string(op), s.now())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var haltOnce sync.Once
	var haltErr error
	halt := func(err error) {
		haltOnce.Do(func() {
			haltErr = err
			cancel()
		})
	}

	results := make([]domain.ItemResult, len(docs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i := range docs {
		doc := docs[i]
		if runCtx.Err() != nil {
			results[i] = s.skipped(ctx, doc.ID)
			continue
		}
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = s.skipped(ctx, doc.ID)
				return nil
			}
			started := time.Now()
			chunkItems, err := s.indexDocument(runCtx, &doc)
			switch {
			case err == nil:
				results[i] = domain.ItemResult{ID: doc.ID, Status: domain.ItemSucceeded}
			case domain.IsFatal(err):
				halt(err)
				results[i] = domain.ItemResult{ID: doc.ID, Status: domain.ItemFailed, Error: err.Error()}
			case runCtx.Err() != nil && errors.Is(err, runCtx.Err()):
				results[i] = s.skipped(ctx, doc.ID)
			default:
				s.logger.WarnContext(ctx, "document_indexing_failed", "document_id", doc.ID, "error", err)
				results[i] = domain.ItemResult{ID: doc.ID, Status: domain.ItemFailed, Error: err.Error(), Chunks: chunkItems}
			}
			s.observer.ObserveItem(string(op), results[i].Status, time.Since(started))
			return nil
		})
	}
	_ = g.Wait()

	collectResults(report, results)
	if haltErr != nil {
		report.Halt(haltErr)
		if errors.Is(haltErr, domain.ErrStaleEmbedding) {
			s.logger.ErrorContext(ctx, "stale_embedding_detected", "operation", string(op), "error", haltErr)
		} else {
			s.logger.ErrorContext(ctx, "batch_halted", "operation", string(op), "error", haltErr)
		}
	}
	report.FinishedAt = s.now()
	s.logger.InfoContext(ctx, "batch_finished",
		"operation", report.Operation,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"halted", report.Halted,
	)
	if haltErr != nil {
		return report, fmt.Errorf("%s halted: %w", op, haltErr)
	}
	return report, nil
}

func (s *IndexingService) skipped(ctx context.Context, id string) domain.ItemResult {
	reason := skipHalted
	if ctx.Err() != nil {
		reason = skipCanceled
	}
	return domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: reason}
}

// indexDocument embeds the missing or stale chunks of doc. When some chunks
// fail it returns the outcome of every chunk it tried along with the error.
func (s *IndexingService) indexDocument(ctx context.Context, doc *domain.Document) ([]domain.ItemResult, error) {
	chunks, err := s.registry.Chunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		ids = append(ids, chunk.ID)
	}

	states, err := s.vectors.Records(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load stored records: %w", err)
	}

	model := s.embedder.Model()
	pending := make([]domain.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if state, ok := states[chunk.ID]; !ok || state.Stale(chunk.TextHash, model) {
			pending = append(pending, chunk)
		}
	}

	if len(pending) > 0 {
		records, items, err := s.Embed(ctx, doc, pending)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			if err := s.vectors.Upsert(ctx, records); err != nil {
				return nil, fmt.Errorf("upsert embeddings: %w", err)
			}
		}
		if failed := countFailed(items); failed > 0 {
			return items, domain.WrapError(domain.ErrPartialBatchFailure, "embed chunks",
				fmt.Errorf("%d of %d chunks of %s failed, first %s", failed, len(items), doc.ID, firstFailure(items)))
		}
	}

	if err := s.verify(ctx, chunks, ids); err != nil {
		return nil, err
	}

	if err := s.vectors.DeleteDocumentChunks(ctx, doc.ID, ids); err != nil {
		return nil, fmt.Errorf("delete superseded records: %w", err)
	}

	if doc.Status == domain.StatusChunked {
		if err := s.registry.MarkIndexed(ctx, doc.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "document_indexing_done",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"embedded", len(pending),
	)
	return nil, nil
}

// verify checks that every chunk has a record carrying its current text hash.
func (s *IndexingService) verify(ctx context.Context, chunks []domain.Chunk, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	states, err := s.vectors.Records(ctx, ids)
	if err != nil {
		return fmt.Errorf("verify stored records: %w", err)
	}
	for _, chunk := range chunks {
		state, ok := states[chunk.ID]
		if !ok {
			return fmt.Errorf("verify stored records: chunk %s missing after upsert", chunk.ID)
		}
		if state.TextHash != chunk.TextHash {
			return domain.WrapError(domain.ErrStaleEmbedding, "verify stored records",
				fmt.Errorf("chunk %s stored hash %s, want %s", chunk.ID, state.TextHash, chunk.TextHash))
		}
	}
	return nil
}

// Embed builds records for chunks in batches. A failing batch is bisected
// down to single chunks so the returned results name each failed chunk.
// Fatal errors such as a dimension mismatch stop immediately and are returned.
func (s *IndexingService) Embed(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) ([]domain.EmbeddingRecord, []domain.ItemResult, error) {
	records := make([]domain.EmbeddingRecord, 0, len(chunks))
	items := make([]domain.ItemResult, 0, len(chunks))

	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))
		batchRecords, batchItems, err := s.embedBatch(ctx, doc, chunks[start:end])
		if err != nil {
			return nil, nil, err
		}
		records = append(records, batchRecords...)
		items = append(items, batchItems...)
	}
	return records, items, nil
}

func (s *IndexingService) embedBatch(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) ([]domain.EmbeddingRecord, []domain.ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(chunks) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(chunks))
	}
	if err != nil {
		if domain.IsFatal(err) || ctx.Err() != nil {
			return nil, nil, err
		}
		if len(chunks) == 1 {
			return nil, []domain.ItemResult{{ID: chunks[0].ID, Status: domain.ItemFailed, Error: err.Error()}}, nil
		}
		mid := len(chunks) / 2
		leftRecords, leftItems, err := s.embedBatch(ctx, doc, chunks[:mid])
		if err != nil {
			return nil, nil, err
		}
		rightRecords, rightItems, err := s.embedBatch(ctx, doc, chunks[mid:])
		if err != nil {
			return nil, nil, err
		}
		return append(leftRecords, rightRecords...), append(leftItems, rightItems...), nil
	}

	model := s.embedder.Model()
	records := make([]domain.EmbeddingRecord, len(chunks))
	items := make([]domain.ItemResult, len(chunks))
	for i, chunk := range chunks {
		records[i] = domain.EmbeddingRecord{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Ordinal:    chunk.Ordinal,
			Filename:   doc.Filename,
			Section:    chunk.Section,
			Page:       chunk.Page,
			Text:       chunk.Text,
			TextHash:   chunk.TextHash,
			Model:      model,
			Vector:     vectors[i],
		}
		items[i] = domain.ItemResult{ID: chunk.ID, Status: domain.ItemSucceeded}
	}
	return records, items, nil
}

func countFailed(items []domain.ItemResult) int {
	n := 0
	for _, item := range items {
		if item.Status == domain.ItemFailed {
			n++
		}
	}
	return n
}

func firstFailure(items []domain.ItemResult) string {
	for _, item := range items {
		if item.Status == domain.ItemFailed {
			return item.ID + ": " + item.Error
		}
	}
	return ""
}
