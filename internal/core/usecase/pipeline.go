package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// PipelineService runs the operator batches and reports them to the observer.
type PipelineService struct {
	chunking *ChunkingService
	indexing *IndexingService
	observer ports.PipelineObserver
}

func NewPipelineService(chunking *ChunkingService, indexing *IndexingService, observer ports.PipelineObserver) *PipelineService {
	return &PipelineService{
		chunking: chunking,
		indexing: indexing,
		observer: observerOrNoop(observer),
	}
}

func (p *PipelineService) TriggerChunking(ctx context.Context) (*domain.BatchReport, error) {
	return p.observe(p.chunking.TriggerChunking(ctx))
}

func (p *PipelineService) TriggerIndexing(ctx context.Context) (*domain.BatchReport, error) {
	return p.observe(p.indexing.TriggerIndexing(ctx))
}

func (p *PipelineService) ReindexAll(ctx context.Context) (*domain.BatchReport, error) {
	return p.observe(p.indexing.ReindexAll(ctx))
}

func (p *PipelineService) Run(ctx context.Context, op domain.PipelineOperation) (*domain.BatchReport, error) {
	switch op {
	case domain.OperationChunking:
		return p.TriggerChunking(ctx)
	case domain.OperationIndexing:
		return p.TriggerIndexing(ctx)
	case domain.OperationReindex:
		return p.ReindexAll(ctx)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "run pipeline", fmt.Errorf("unknown operation %q", op))
	}
}

func (p *PipelineService) observe(report *domain.BatchReport, err error) (*domain.BatchReport, error) {
	if report != nil {
		p.observer.ObserveBatch(report)
	}
	return report, err
}
