package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

const workerQueueGroup = "pipeline-workers"

// TriggerMessage is the wire form of an operator pipeline trigger.
type TriggerMessage struct {
	Operation   domain.PipelineOperation `json:"operation"`
	RequestedAt time.Time                `json:"requested_at"`
}

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("grounded-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishTrigger(ctx context.Context, op domain.PipelineOperation) error {
	if !op.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "publish trigger", fmt.Errorf("operation %q", op))
	}
	payload, err := encodeTrigger(op, time.Now().UTC())
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeTriggers delivers each trigger to exactly one worker in the queue
// group and blocks until ctx is done, then drains in-flight handlers.
func (q *Queue) SubscribeTriggers(ctx context.Context, handler func(context.Context, domain.PipelineOperation) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		trigger, err := decodeTrigger(msg.Data)
		if err != nil {
			q.logger.Warn("trigger_decode_failed", "error", err, "payload", string(msg.Data))
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, trigger.Operation); err != nil {
			q.logger.ErrorContext(handlerCtx, "trigger_handler_failed",
				"operation", string(trigger.Operation),
				"requested_at", trigger.RequestedAt,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeTrigger(op domain.PipelineOperation, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(TriggerMessage{Operation: op, RequestedAt: at})
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}
	return payload, nil
}

func decodeTrigger(data []byte) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TriggerMessage{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if !msg.Operation.Valid() {
		return TriggerMessage{}, fmt.Errorf("unknown pipeline operation %q", msg.Operation)
	}
	return msg, nil
}
