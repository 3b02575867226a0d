package inline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Trigger is an in-process BatchTrigger for single-binary deployments.
// Triggers are handled one at a time in publish order.
type Trigger struct {
	ch     chan domain.PipelineOperation
	logger *slog.Logger
}

func New(buffer int, logger *slog.Logger) *Trigger {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{ch: make(chan domain.PipelineOperation, buffer), logger: logger}
}

func (t *Trigger) PublishTrigger(ctx context.Context, op domain.PipelineOperation) error {
	if !op.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "publish trigger", fmt.Errorf("operation %q", op))
	}
	select {
	case t.ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.WrapError(domain.ErrTemporary, "publish trigger", fmt.Errorf("trigger queue full"))
	}
}

func (t *Trigger) SubscribeTriggers(ctx context.Context, handler func(context.Context, domain.PipelineOperation) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-t.ch:
			if err := handler(ctx, op); err != nil {
				t.logger.ErrorContext(ctx, "trigger_handler_failed", "operation", string(op), "error", err)
			}
		}
	}
}
