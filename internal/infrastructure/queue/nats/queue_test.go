package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

func TestTriggerRoundTripKeepsOperation(t *testing.T) {
	at := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	payload, err := encodeTrigger(domain.OperationReindex, at)
	if err != nil {
		t.Fatalf("encodeTrigger() error = %v", err)
	}
	msg, err := decodeTrigger(payload)
	if err != nil {
		t.Fatalf("decodeTrigger() error = %v", err)
	}
	if msg.Operation != domain.OperationReindex || !msg.RequestedAt.Equal(at) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeTriggerRejectsUnknownOperation(t *testing.T) {
	if _, err := decodeTrigger([]byte(`{"operation":"purge"}`)); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
	if _, err := decodeTrigger([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}

func TestClassifyNATSError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "no servers", err: fmt.Errorf("publish: %w", nats.ErrNoServers), retryable: true, record: true},
		{name: "timeout", err: nats.ErrTimeout, retryable: true, record: true},
		{name: "canceled", err: context.Canceled, retryable: false, record: false},
		{name: "bad subject", err: nats.ErrBadSubject, retryable: false, record: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			class := classifyNATSError(tc.err)
			if class.Retryable != tc.retryable || class.RecordFailure != tc.record {
				t.Fatalf("unexpected classification: %+v", class)
			}
		})
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(nats.ErrConnectionClosed)
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	plain := errors.New("bad payload")
	if got := wrapTemporaryIfNeeded(plain); got != plain {
		t.Fatalf("non-transient error must pass through, got %v", got)
	}
}
