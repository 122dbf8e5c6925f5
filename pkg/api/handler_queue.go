package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getQueueHandler handles GET /queue (spec.md §4.1, §6.1).
func (s *Server) getQueueHandler(c *gin.Context) {
	status, err := s.queue.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
