// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Service
// errors are translated in one place (failErr) so every endpoint maps the same
// failure to the same status:
//
//	validation            400 bad_request
//	ownership             403 forbidden
//	unknown entity        404 not_found
//	concurrent update     409 conflict
//	provider rejected     422 upstream_rejected
//	provider unavailable  503 temporarily_unavailable (+ Retry-After)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/course-rag-backend/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Model provider failures:
	ErrCodeUnavailable      = "temporarily_unavailable"
	ErrCodeUpstreamRejected = "upstream_rejected"

	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// retryAfterSeconds is advertised on 503 responses caused by a provider
// outage or timeout.
const retryAfterSeconds = "5"

// failErr maps a service error to the standard envelope. Unknown errors are
// 500s and keep their message out of the response body.
func failErr(c *gin.Context, err error) {
	var (
		verr *services.ValidationError
		cerr *services.CollaboratorError
	)
	switch {
	case errors.As(err, &verr):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, verr.Error())
	case errors.Is(err, services.ErrValidation):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrPermission):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not allowed to access this resource")
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.As(err, &cerr) && cerr.Retryable:
		c.Header("Retry-After", retryAfterSeconds)
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, cerr.Kind.Error()+"; try again later")
	case errors.As(err, &cerr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeUpstreamRejected, cerr.Kind.Error()+": request rejected by the model provider")
	default:
		middlewareLogger(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
