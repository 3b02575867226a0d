package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

var transientNATSErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
	nats.ErrSlowConsumer,
}

func classifyNATSError(err error) resilience.ErrorClassification {
	return resilience.ClassifyTransport(err, func(err error) bool {
		for _, target := range transientNATSErrors {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	})
}

// wrapTemporaryIfNeeded marks publish failures the API can report as 503.
func wrapTemporaryIfNeeded(err error) error {
	return resilience.WrapTransient(domain.ErrTemporary, "nats publish trigger", err, classifyNATSError)
}
