package domain

import (
	"fmt"
	"time"
)

type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemResult reports the outcome for one document or chunk in a batch.
// A document that failed part way lists the outcome of each chunk it tried.
type ItemResult struct {
	ID     string       `json:"id"`
	Status ItemStatus   `json:"status"`
	Error  string       `json:"error,omitempty"`
	Chunks []ItemResult `json:"chunks,omitempty"`
}

type BatchReport struct {
	Operation  string       `json:"operation"`
	Items      []ItemResult `json:"items"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Halted     bool         `json:"halted,omitempty"`
	HaltReason string       `json:"halt_reason,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func NewBatchReport(operation string, startedAt time.Time) *BatchReport {
	return &BatchReport{
		Operation: operation,
		Items:     []ItemResult{},
		StartedAt: startedAt,
	}
}

func (r *BatchReport) Add(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case ItemSucceeded:
		r.Succeeded++
	case ItemFailed:
		r.Failed++
	case ItemSkipped:
		r.Skipped++
	}
}

func (r *BatchReport) Succeed(id string) {
	r.Add(ItemResult{ID: id, Status: ItemSucceeded})
}

func (r *BatchReport) Fail(id string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.Add(ItemResult{ID: id, Status: ItemFailed, Error: msg})
}

func (r *BatchReport) Skip(id, reason string) {
	r.Add(ItemResult{ID: id, Status: ItemSkipped, Error: reason})
}

func (r *BatchReport) Halt(err error) {
	r.Halted = true
	if err != nil {
		r.HaltReason = err.Error()
	}
}

// Err returns ErrPartialBatchFailure when at least one item failed.
func (r *BatchReport) Err() error {
	if r == nil || r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w: %d of %d items failed", r.Operation, ErrPartialBatchFailure, r.Failed, len(r.Items))
}

// PipelineOperation names an operator-triggered batch.
type PipelineOperation string

const (
	OperationChunking PipelineOperation = "chunking"
	OperationIndexing PipelineOperation = "indexing"
	OperationReindex  PipelineOperation = "reindex"
)

func (o PipelineOperation) Valid() bool {
	switch o {
	case OperationChunking, OperationIndexing, OperationReindex:
		return true
	default:
		return false
	}
}
