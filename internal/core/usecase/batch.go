package usecase

import (
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

type noopObserver struct{}

func (noopObserver) ObserveItem(string, domain.ItemStatus, time.Duration) {}
func (noopObserver) ObserveBatch(*domain.BatchReport) {}
func (noopObserver) ObserveChunking(domain.ChunkingStats) {}

func observerOrNoop(observer ports.PipelineObserver) ports.PipelineObserver {
	if observer == nil {
		return noopObserver{}
	}
	return observer
}

const (
	skipCanceled = "batch canceled"
	skipHalted   = "batch halted"
)

// collectResults adds per-item results in input order.
func collectResults(report *domain.BatchReport, results []domain.ItemResult) {
	for _, item := range results {
		report.Add(item)
	}
}
