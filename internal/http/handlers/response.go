// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints.
// Every failure is an ErrorResponse with a stable code; successes are plain
// JSON bodies.
//
// Conventions:
//   - Error codes are the constants in errors.go; clients branch on `code`,
//     never on `message`.
//   - `fail()` is the only writer of error bodies. It tags the request with
//     the code for the HTTP metrics and logs 5xx responses with the
//     request-scoped logger, so the cause stays in the logs and out of the body.
//   - `failErr()` maps service errors onto status and code.
//   - `ok()` and `noContent()` keep success responses uniform.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "conversation not found"
//	}
//
// Example success response:
//
//	HTTP/1.1 201 Created
//	{ "id": "8c7f…", "title": "Binary search trees", "message_count": 2 }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/course-rag-backend/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// Fields:
//   - RequestID: echoed from X-Request-ID, correlates client errors with logs.
//   - Code: stable, machine-readable (bad_request, forbidden, not_found,
//     conflict, upstream_rejected, temporarily_unavailable, ...).
//   - Message: human-readable and safe to show to users.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"conversation not found"`
}

// fail aborts with the error envelope, records the code for the HTTP error
// metric, and logs 5xx responses with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	c.Set(middleware.CtxKeyErrorCode, code)
	if status >= http.StatusInternalServerError {
		middlewareLogger(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's NoRoute/NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func middlewareLogger(c *gin.Context) *zerolog.Logger {
	return middleware.LoggerFrom(c)
}
