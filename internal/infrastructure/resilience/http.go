package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// HTTPStatusError is a non-2xx response from an upstream HTTP service.
type HTTPStatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s status: %s", e.Service, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Service, e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// NewHTTPStatusError captures status and a bounded prefix of the body.
func NewHTTPStatusError(service, operation string, resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Service:    service,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// ClassifyTransport handles the cases every adapter shares: timeouts and an
// open breaker retry, caller cancellation neither retries nor counts against
// the breaker. Anything else retries only when transient reports true.
func ClassifyTransport(err error, transient func(error) bool) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, domain.ErrTimeout), IsCircuitOpen(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{}
	case transient != nil && transient(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

// ClassifyHTTPError is the classifier for HTTP-backed adapters. Non-retryable
// statuses are the caller's fault and leave the breaker alone.
func ClassifyHTTPError(err error) ErrorClassification {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && !errors.Is(err, domain.ErrTimeout) && !IsCircuitOpen(err) {
		if IsRetryableHTTPStatus(statusErr.StatusCode) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{}
	}
	return ClassifyTransport(err, isNetError)
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// WrapRetryable tags err with kind when it is a transient HTTP failure that
// survived all retries. Already typed errors pass through.
func WrapRetryable(kind error, operation string, err error) error {
	return WrapTransient(kind, operation, err, ClassifyHTTPError)
}

// WrapTransient is WrapRetryable for adapters with their own classifier.
func WrapTransient(kind error, operation string, err error, classify ErrorClassifier) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, kind) || domain.IsKind(err, domain.ErrTimeout) {
		return err
	}
	if classify(err).Retryable || IsCircuitOpen(err) {
		return domain.WrapError(kind, operation, err)
	}
	return err
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
