package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/models"
)

// listClientsHandler handles GET /clients.
func (s *Server) listClientsHandler(c *gin.Context) {
	clients, err := s.store.ListClients(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, clients)
}

// getClientHandler handles GET /clients/:id, joining the client's attached
// repositories (spec.md §6.1: "one client (+repository)").
func (s *Server) getClientHandler(c *gin.Context) {
	ctx := c.Request.Context()
	client, err := s.store.GetClient(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	repos, err := s.store.ListRepositoriesByClient(ctx, client.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClientResponse{Client: *client, Repositories: repos})
}

// attachRepositoryHandler handles POST /clients/:id/repository.
func (s *Server) attachRepositoryHandler(c *gin.Context) {
	var req CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	repo, err := s.store.CreateRepository(c.Request.Context(), models.Repository{
		ClientID:      c.Param("id"),
		Owner:         req.GithubOrg,
		Name:          req.GithubRepo,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

// getConstitutionHandler handles GET /clients/:id/constitution.
func (s *Server) getConstitutionHandler(c *gin.Context) {
	client, err := s.store.GetClient(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := ConstitutionResponse{}
	if client.ConstitutionText != nil {
		resp.Text = *client.ConstitutionText
	}
	if client.ConstitutionGeneratedAt != nil {
		resp.GeneratedAt = client.ConstitutionGeneratedAt.Format(timeFormat)
	}
	c.JSON(http.StatusOK, resp)
}

// regenerateConstitutionHandler handles POST /clients/:id/constitution: it
// enqueues a client-scoped spec job at the constitution phase with
// spec_output.forceRegenerate=true (spec.md §6.1, resolved per DESIGN.md's
// "constitution regen job scoping" open question as client-scoped rather
// than feature-scoped).
func (s *Server) regenerateConstitutionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := c.Param("id")
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		respondError(c, err)
		return
	}

	phase := models.SpecPhaseConstitution
	job, err := s.store.CreateJob(ctx, models.AgentJob{
		ClientID:      clientID,
		JobType:       models.JobTypeSpec,
		Prompt:        "regenerate client constitution",
		TargetMachine: s.cfg.Server.TargetMachine,
		SpecPhase:     &phase,
		SpecOutput:    &models.SpecOutput{Phase: phase, ForceRegenerate: true},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.queue.Process(ctx)
	c.JSON(http.StatusAccepted, job)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
