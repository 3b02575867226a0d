package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

type ChunkingService struct {
	registry    *Registry
	extractor   ports.TextExtractor
	chunker     ports.Chunker
	observer    ports.PipelineObserver
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewChunkingService(
	registry *Registry,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	observer ports.PipelineObserver,
	concurrency int,
	logger *slog.Logger,
) *ChunkingService {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkingService{
		registry:    registry,
		extractor:   extractor,
		chunker:     chunker,
		observer:    observerOrNoop(observer),
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TriggerChunking chunks every new document. Failures are isolated per
// document and reported in the batch report; the returned error is non-nil
// only when the batch could not start.
func (s *ChunkingService) TriggerChunking(ctx context.Context) (*domain.BatchReport, error) {
	report := domain.NewBatchReport(string(domain.OperationChunking), s.now())

	ids, err := s.registry.PendingForChunking(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents pending chunking: %w", err)
	}

	results := make([]domain.ItemResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, id := range ids {
		if ctx.Err() != nil {
			results[i] = domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: skipCanceled}
			continue
		}
		g.Go(func() error {
			results[i] = s.chunkDocument(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	collectResults(report, results)
	report.FinishedAt = s.now()
	s.logger.InfoContext(ctx, "batch_finished",
		"operation", report.Operation,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

func (s *ChunkingService) chunkDocument(ctx context.Context, id string) domain.ItemResult {
	started := time.Now()
	result := s.chunkOne(ctx, id)
	s.observer.ObserveItem(string(domain.OperationChunking), result.Status, time.Since(started))
	return result
}

func (s *ChunkingService) chunkOne(ctx context.Context, id string) domain.ItemResult {
	if ctx.Err() != nil {
		return domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: skipCanceled}
	}

	doc, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return s.failed(ctx, id, fmt.Errorf("load document: %w", err))
	}
	if doc.Status != domain.StatusNew {
		return domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: "already " + string(doc.Status)}
	}

	pages, err := s.extractor.Extract(ctx, doc)
	if err != nil {
		return s.failed(ctx, id, fmt.Errorf("extract text: %w", err))
	}

	chunks, stats, err := s.chunker.Chunk(ctx, doc, pages)
	if err != nil {
		return s.failed(ctx, id, fmt.Errorf("chunk document: %w", err))
	}

	if err := s.registry.MarkChunked(ctx, id, chunks); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: "chunked concurrently"}
		}
		return s.failed(ctx, id, err)
	}

	s.observer.ObserveChunking(stats)
	s.logger.InfoContext(ctx, "document_chunking_done",
		"document_id", id,
		"paragraphs", stats.Paragraphs,
		"chunks", stats.Chunks,
		"classifier", stats.Classifier,
		"degraded", stats.Degraded,
	)
	return domain.ItemResult{ID: id, Status: domain.ItemSucceeded}
}

func (s *ChunkingService) failed(ctx context.Context, id string, err error) domain.ItemResult {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return domain.ItemResult{ID: id, Status: domain.ItemSkipped, Error: skipCanceled}
	}
	s.logger.WarnContext(ctx, "document_chunking_failed", "document_id", id, "error", err)
	return domain.ItemResult{ID: id, Status: domain.ItemFailed, Error: err.Error()}
}
