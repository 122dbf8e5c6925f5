package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/specphase"
)

// generateTasksHandler handles POST /features/:id/generate-tasks. The PRD
// generator itself is out of scope (spec.md §6.1: "PRD generator (out of
// scope)"); the route is registered so clients get a clear 501 rather than
// a 404.
func (s *Server) generateTasksHandler(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "PRD generation is out of scope"})
}

// startSpecHandler handles POST /features/:id/spec/start: enqueues the
// constitution phase (spec.md §6.1).
func (s *Server) startSpecHandler(c *gin.Context) {
	s.enqueueSpecPhase(c, c.Param("id"), models.SpecPhaseConstitution)
}

// enqueueSpecPhaseHandler handles POST /features/:id/spec/phase: enqueues
// an arbitrary phase, refusing "plan" while clarifications remain
// unanswered (spec.md §6.1, §8 scenario 5).
func (s *Server) enqueueSpecPhaseHandler(c *gin.Context) {
	var req EnqueueSpecPhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.enqueueSpecPhase(c, c.Param("id"), req.Phase)
}

func (s *Server) enqueueSpecPhase(c *gin.Context, featureID string, phase models.SpecPhase) {
	ctx := c.Request.Context()
	feature, err := s.store.GetFeature(ctx, featureID)
	if err != nil {
		respondError(c, err)
		return
	}

	if phase == models.SpecPhasePlan && feature.SpecOutput != nil && feature.SpecOutput.UnansweredCount() > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan requires all clarifications answered"})
		return
	}

	job, err := s.store.CreateJob(ctx, models.AgentJob{
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		Prompt:        string(phase) + " phase for " + feature.Title,
		Title:         feature.Title,
		JobType:       models.JobTypeSpec,
		TargetMachine: s.cfg.Server.TargetMachine,
		SpecPhase:     &phase,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.queue.Process(ctx)
	c.JSON(http.StatusCreated, job)
}

// getSpecHandler handles GET /features/:id/spec: dumps the feature's
// SpecOutput, its unanswered-clarification count, and recent spec jobs
// (spec.md §6.1).
func (s *Server) getSpecHandler(c *gin.Context) {
	ctx := c.Request.Context()
	feature, err := s.store.GetFeature(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	jobs, err := s.store.ListJobsByFeature(ctx, feature.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	var specJobs []models.AgentJob
	for _, j := range jobs {
		if j.JobType == models.JobTypeSpec {
			specJobs = append(specJobs, j)
		}
	}
	if len(specJobs) > 10 {
		specJobs = specJobs[len(specJobs)-10:]
	}

	c.JSON(http.StatusOK, SpecResponse{
		SpecOutput:               feature.SpecOutput,
		UnansweredClarifications: feature.SpecOutput.UnansweredCount(),
		RecentJobs:               specJobs,
	})
}

// answerClarificationHandler handles
// POST /features/:id/spec/clarifications/:cid: submits a response and
// auto-progresses to the plan phase when it was the last unanswered
// question (spec.md §6.1, §8 scenario 5; pkg/specphase.AnswerClarification).
func (s *Server) answerClarificationHandler(c *gin.Context) {
	var req AnswerClarificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := specphase.AnswerClarification(c.Request.Context(), s.store, c.Param("id"), c.Param("cid"), req.Response)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// patchSpecOutputHandler handles PUT /features/:id/spec/output: patches a
// single named SpecOutput section, preserving every other phase's fields
// (spec.md §6.1, §4.6; models.SpecOutput.MergePhase).
func (s *Server) patchSpecOutputHandler(c *gin.Context) {
	var req SpecOutputPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	feature, err := s.store.GetFeature(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if feature.SpecOutput == nil {
		feature.SpecOutput = &models.SpecOutput{}
	}

	feature.SpecOutput.MergePhase(req.Section, models.SpecOutput{
		Constitution:   req.Constitution,
		Spec:           req.Spec,
		Clarifications: req.Clarifications,
		Plan:           req.Plan,
		Analysis:       req.Analysis,
		Tasks:          req.Tasks,
	})

	if err := s.store.UpdateSpecOutput(ctx, feature.ID, feature.SpecOutput); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, feature.SpecOutput)
}

// listSpecPhasesHandler handles GET /spec/phases: static phase metadata
// (spec.md §6.1).
func (s *Server) listSpecPhasesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, specPhaseMetaList())
}
