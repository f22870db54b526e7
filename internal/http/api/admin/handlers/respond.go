package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/gin-gonic/gin"
)

// writeError maps ledger and pipeline errors to an HTTP response.
func writeError(c *gin.Context, err error) {
	status, message := statusForError(err)
	c.JSON(status, gin.H{"success": false, "error": message})
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, credits.ErrNotFound):
		return http.StatusNotFound, "credits not found"
	case errors.Is(err, credits.ErrAlreadyInitialized):
		return http.StatusConflict, "credits already initialized"
	case errors.Is(err, credits.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "storage circuit open, retry later"
	case errors.Is(err, credits.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// bindOptionalJSON decodes the body when one was sent.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}
