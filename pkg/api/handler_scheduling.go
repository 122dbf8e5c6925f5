package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/scheduler"
)

// schedulingMetricsHandler handles GET /scheduling/metrics (spec.md §4.8).
func (s *Server) schedulingMetricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetPredictionMetrics())
}

// getSchedulingWeightsHandler handles GET /scheduling/weights: the
// predictive scheduler's weight export seam (spec.md §9 "export/import
// operations ... are the persistence seam").
func (s *Server) getSchedulingWeightsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.ExportWeights())
}

// importSchedulingWeightsHandler handles PUT /scheduling/weights.
func (s *Server) importSchedulingWeightsHandler(c *gin.Context) {
	var w scheduler.Weights
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.scheduler.ImportWeights(w)
	c.Status(http.StatusNoContent)
}
