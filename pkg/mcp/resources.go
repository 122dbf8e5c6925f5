package mcp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
)

// listResourcesHandler handles GET /mcp/resources: the four URI templates
// spec.md §6.4 names.
func (s *Server) listResourcesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resources": []string{
			"jobs://active",
			"jobs://{id}",
			"features://{id}/spec",
			"phases://list",
		},
	})
}

// readResourceHandler handles GET /mcp/resources/:type[/:id[/:sub]],
// dispatching on the resource type named in the URI template.
func (s *Server) readResourceHandler(c *gin.Context) {
	ctx := c.Request.Context()
	resType, id, sub := c.Param("type"), c.Param("id"), c.Param("sub")

	switch resType {
	case "jobs":
		if id == "" || id == "active" {
			running, err := s.store.ListJobs(ctx, store.JobFilter{Status: models.JobStatusRunning})
			if err != nil {
				respondToolError(c, err)
				return
			}
			queued, err := s.store.ListJobs(ctx, store.JobFilter{Status: models.JobStatusQueued})
			if err != nil {
				respondToolError(c, err)
				return
			}
			c.JSON(http.StatusOK, append(running, queued...))
			return
		}
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			respondToolError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)

	case "features":
		if id == "" || sub != "spec" {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown features:// resource"})
			return
		}
		feature, err := s.store.GetFeature(ctx, id)
		if err != nil {
			respondToolError(c, err)
			return
		}
		c.JSON(http.StatusOK, feature.SpecOutput)

	case "phases":
		c.JSON(http.StatusOK, phaseMetaList())

	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource type: " + resType})
	}
}
