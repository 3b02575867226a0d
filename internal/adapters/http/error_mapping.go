package httpadapter

import (
	"net/http"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDuplicateDocument), domain.IsKind(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrTemporary),
		domain.IsKind(err, domain.ErrModelUnavailable),
		domain.IsKind(err, domain.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
