package mcp

// Server (this file) is the *inbound* HTTP transport spec.md §6.4 asks the
// orchestrator itself to expose — tool invocation and resource reads for
// anything that wants to drive conductor programmatically. This is the
// opposite direction from the teacher's original pkg/mcp, which let the
// agent subprocess reach *external* MCP servers (see DESIGN.md); conductor's
// agent subprocess is an opaque worker that drives any such calls itself.

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/queue"
	"github.com/agentpipe/conductor/pkg/scheduler"
	"github.com/agentpipe/conductor/pkg/store"
)

// Server implements the MCP HTTP surface (spec.md §6.4): plain gin routes
// returning JSON, not an external MCP SDK — no such SDK is wired anywhere
// in the retrieved corpus for an *inbound* MCP server, only the teacher's
// outbound client direction, which this package no longer carries (see
// DESIGN.md).
type Server struct {
	cfg       *config.Config
	store     *store.Store
	queue     *queue.Controller
	scheduler *scheduler.Scheduler
	tools     map[string]toolHandler
}

// NewServer wires an mcp.Server from the core's already-constructed
// components.
func NewServer(cfg *config.Config, st *store.Store, qc *queue.Controller, sch *scheduler.Scheduler) *Server {
	s := &Server{cfg: cfg, store: st, queue: qc, scheduler: sch}
	s.tools = s.buildToolRegistry()
	return s
}

// RegisterRoutes mounts the MCP surface onto an already-authenticated group,
// typically api.Server.MCPGroup().
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/info", s.infoHandler)
	g.GET("/tools", s.listToolsHandler)
	g.POST("/tools/:name", s.invokeToolHandler)
	g.GET("/resources", s.listResourcesHandler)
	g.GET("/resources/:type", s.readResourceHandler)
	g.GET("/resources/:type/:id", s.readResourceHandler)
	g.GET("/resources/:type/:id/:sub", s.readResourceHandler)
}

// infoHandler handles GET /mcp/info.
func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          "conductor",
		"toolCount":     len(s.tools),
		"resourceTypes": []string{"jobs", "features", "phases"},
	})
}

// listToolsHandler handles GET /mcp/tools.
func (s *Server) listToolsHandler(c *gin.Context) {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, gin.H{"tools": names})
}

// invokeToolHandler handles POST /mcp/tools/:name: looks the tool up in the
// registry and dispatches its raw JSON body, mirroring the name->handler
// lookup style of the teacher's pkg/mcp/router.go SplitToolName routing,
// generalized from "server.tool" dispatch to flat tool-name dispatch since
// this surface has no remote-server concept to route across.
func (s *Server) invokeToolHandler(c *gin.Context) {
	name := c.Param("name")
	handler, ok := s.tools[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool: " + name})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := handler(c.Request.Context(), s, raw)
	if err != nil {
		respondToolError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
