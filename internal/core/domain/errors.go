package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")

	// Registry.
	ErrDuplicateDocument = errors.New("duplicate document")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRegistryClosed    = errors.New("registry closed")

	// Model and vector store failures.
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrTimeout            = errors.New("model timeout")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrStaleEmbedding     = errors.New("stale embedding")
	ErrContentFiltered    = errors.New("content filtered")
	ErrCollectionNotFound = errors.New("collection not found")

	ErrPartialBatchFailure = errors.New("partial batch failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsRetryable reports whether a failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTemporary) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrModelUnavailable)
}

// IsFatal reports failures that must halt a whole indexing batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrStaleEmbedding)
}
