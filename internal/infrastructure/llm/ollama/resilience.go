package ollama

import (
	"errors"
	"net/http"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

func classifyOllamaError(err error) resilience.ErrorClassification {
	return resilience.ClassifyHTTPError(err)
}

// wrapUnavailableIfNeeded maps exhausted transient failures and missing
// models to ErrModelUnavailable so callers can degrade.
func wrapUnavailableIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *resilience.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return domain.WrapError(domain.ErrModelUnavailable, "ollama "+operation, err)
	}
	return resilience.WrapRetryable(domain.ErrModelUnavailable, "ollama "+operation, err)
}
