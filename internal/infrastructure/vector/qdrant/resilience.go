package qdrant

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

func classifyQdrantError(err error) resilience.ErrorClassification {
	if isNotFound(err) || isDimensionError(err) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTPError(err)
}

func mapVectorError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isDimensionError(err):
		return domain.WrapError(domain.ErrDimensionMismatch, operation, err)
	case isNotFound(err):
		return domain.WrapError(domain.ErrCollectionNotFound, operation, err)
	}
	return resilience.WrapTransient(domain.ErrTemporary, operation, err, classifyQdrantError)
}

func isNotFound(err error) bool {
	var statusErr *resilience.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Qdrant reports a wrong vector size as 400 "Wrong input: Vector dimension error".
func isDimensionError(err error) bool {
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(statusErr.Body), "dimension")
}
