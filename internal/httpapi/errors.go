package httpapi

import (
	"errors"
	"net/http"

	"telemed-platform/internal/audit"
	"telemed-platform/internal/callsession"
	"telemed-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, callsession.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, callsession.ErrInvalidArgument), errors.Is(err, audit.ErrInvalidEvent),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, callsession.ErrCannotRejoin):
		return http.StatusBadRequest
	case errors.Is(err, callsession.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, callsession.ErrSessionEnded), errors.Is(err, callsession.ErrActiveSessionExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the mapped status. Internal errors are attached to the
// gin context for the request log and hidden from the client.
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
