package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/dispatcher"
	"github.com/agentpipe/conductor/pkg/store"
)

// respondError maps a domain error to an HTTP status and writes the
// {"error": "..."} body spec.md §6.1 requires, mirroring the teacher's
// mapServiceError (pkg/api/errors.go).
func respondError(c *gin.Context, err error) {
	status, msg := mapError(err)
	if status == http.StatusInternalServerError {
		slog.Error("unexpected request error", "error", err, "path", c.FullPath())
	}
	c.JSON(status, gin.H{"error": msg})
}

func mapError(err error) (int, string) {
	if store.IsValidationError(err) {
		return http.StatusBadRequest, err.Error()
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, "resource already exists"
	}
	if errors.Is(err, store.ErrAtCapacity) {
		return http.StatusConflict, "at capacity"
	}
	if errors.Is(err, dispatcher.ErrNoRunner) {
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}
