// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Service errors are translated in one place (serviceError)
// so that every endpoint reports the same condition the same way.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "capacity_exhausted",
//	  "message": "service at capacity, try later"
//	}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"
	ErrCodeTimeout      = "timeout"

	// Domain-specific:
	ErrCodeCapacityExhausted = "capacity_exhausted"
	ErrCodeUpstreamFailed    = "upstream_failed"
	ErrCodeModelLocked       = "model_locked"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
)

// retryAfterCapacity is the Retry-After hint sent with capacity_exhausted.
const retryAfterCapacity = "30"

// serviceError maps an error returned by a service to a response. Store and
// unexpected errors become a generic 500 so internals never reach clients.
func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidUser):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be 1-64 characters")
	case errors.Is(err, services.ErrEmptyPrompt):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	case errors.Is(err, services.ErrUnknownModel):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown model")
	case errors.Is(err, services.ErrModelLocked):
		fail(c, http.StatusForbidden, ErrCodeModelLocked, "model is not available")
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	case errors.Is(err, keypool.ErrUnknownCredential):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "credential not found")
	case errors.Is(err, keypool.ErrCapacityExhausted):
		c.Header("Retry-After", retryAfterCapacity)
		fail(c, http.StatusServiceUnavailable, ErrCodeCapacityExhausted, "service at capacity, try later")
	case errors.Is(err, services.ErrUpstreamFailed):
		fail(c, http.StatusBadGateway, ErrCodeUpstreamFailed, "upstream model unavailable, try again")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, "request timed out")
	default:
		middlewareLog(c, err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
