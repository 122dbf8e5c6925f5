package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
)

// listJobsHandler handles GET /jobs, filtering by status, clientId,
// featureId, limit, offset (spec.md §6.1).
func (s *Server) listJobsHandler(c *gin.Context) {
	filter := store.JobFilter{
		Status:    models.JobStatus(c.Query("status")),
		ClientID:  c.Query("clientId"),
		FeatureID: c.Query("featureId"),
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	jobs, err := s.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// getJobHandler handles GET /jobs/:id?includeMessages=true.
func (s *Server) getJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	type jobResponse struct {
		models.AgentJob
		Messages []models.AgentJobMessage `json:"messages,omitempty"`
	}
	resp := jobResponse{AgentJob: *job}

	if c.Query("includeMessages") == "true" {
		msgs, err := s.store.ListMessages(ctx, job.ID, "", 0)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.Messages = msgs
	}
	c.JSON(http.StatusOK, resp)
}

// branchPrefixByFeatureType maps a feature type to its branch-name prefix
// (spec.md §6.1: "<type-prefix>/<sanitized-title-≤50-chars>"). spec.md
// leaves the enumerated set unnamed; resolved here per DESIGN.md's open
// question log, following common conventional-commit type prefixes.
var branchPrefixByFeatureType = map[string]string{
	"feature":  "feat",
	"bug":      "fix",
	"chore":    "chore",
	"cosmetic": "style",
	"refactor": "refactor",
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeBranchTitle lowercases title, replaces runs of non-alphanumeric
// characters with a single dash, and truncates to 50 characters.
func sanitizeBranchTitle(title string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// generateBranchName builds "<type-prefix>/<sanitized-title>" from a
// feature's type and a job's title.
func generateBranchName(featureType *string, title string) string {
	prefix := "chore"
	if featureType != nil {
		if p, ok := branchPrefixByFeatureType[*featureType]; ok {
			prefix = p
		}
	}
	return prefix + "/" + sanitizeBranchTitle(title)
}

// createJobHandler handles POST /jobs (spec.md §6.1).
func (s *Server) createJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := models.AgentJob{
		ClientID:              req.ClientID,
		RepositoryID:          strPtrOrNil(req.RepositoryID),
		Prompt:                req.Prompt,
		BranchName:            req.BranchName,
		Title:                 req.Title,
		JobType:               req.JobType,
		TargetMachine:         s.cfg.Server.TargetMachine,
		CreatedByTeamMemberID: req.CreatedByTeamMemberID,
		MaxIterations:         req.MaxIterations,
		CompletionPromise:     req.CompletionPromise,
		FeedbackCommands:      req.FeedbackCommands,
		PRDMode:               req.PRDMode,
		PRD:                   req.PRD,
	}

	var feature *models.Feature
	if req.FeatureID != "" {
		var err error
		feature, err = s.store.GetFeature(ctx, req.FeatureID)
		if err != nil {
			respondError(c, err)
			return
		}
		job.FeatureID = &feature.ID
		if job.ClientID == "" {
			job.ClientID = feature.ClientID
		}
		if job.Title == "" {
			job.Title = feature.Title
		}
	}

	if job.RepositoryID == nil && req.GithubOrg != "" && req.GithubRepo != "" {
		repo, err := s.store.GetRepositoryByFullName(ctx, job.ClientID, req.GithubOrg, req.GithubRepo)
		if err != nil {
			respondError(c, err)
			return
		}
		job.RepositoryID = &repo.ID
	}

	if job.BranchName == "" {
		var featureType *string
		if feature != nil {
			featureType = feature.FeatureType
		}
		job.BranchName = generateBranchName(featureType, job.Title)
	}

	if req.SpecMode {
		if feature == nil || feature.SpecOutput == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "specMode requires a feature with stored spec_output.tasks"})
			return
		}
		job.PRDMode = true
		job.PRD = prdFromTasks(feature.Title, feature.Notes, feature.SpecOutput.Tasks)
	}

	created, err := s.store.CreateJob(ctx, job)
	if err != nil {
		respondError(c, err)
		return
	}
	s.queue.Process(ctx)
	c.JSON(http.StatusCreated, created)
}

// prdFromTasks synthesizes an internal PRD from a feature's stored
// spec_output.tasks (spec.md §6.1: "For specMode=true reads the feature's
// stored spec_output.tasks to synthesize an internal PRD").
func prdFromTasks(title, description string, tasks []models.TaskItem) *models.PRD {
	stories := make([]models.Story, 0, len(tasks))
	for i, t := range tasks {
		stories = append(stories, models.Story{
			ID:          i + 1,
			Title:       t.Title,
			Description: t.Description,
		})
	}
	return &models.PRD{Title: title, Description: description, Stories: stories}
}

// cancelJobHandler handles POST /jobs/:id/cancel: hard-cancel via the queue
// controller, which kills the local handle (if any) and writes the store
// row (spec.md §4.1, §6.1).
func (s *Server) cancelJobHandler(c *gin.Context) {
	if err := s.queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// stopJobHandler handles POST /jobs/:id/stop: ralph-only cooperative stop
// that writes status=cancelled directly, observed by the loop runner at the
// top of its next iteration (spec.md §4.4, §6.1; pkg/ralph/loop.go).
func (s *Server) stopJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.JobType != models.JobTypeRalph {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stop is only valid for ralph jobs"})
		return
	}
	if err := s.store.CancelJob(ctx, job.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// retryJobHandler handles POST /jobs/:id/retry: copies the original job's
// fields into a new queued job with a "-retry-<ts>" branch suffix
// (spec.md §6.1).
func (s *Server) retryJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	original, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	retry := *original
	retry.ID = ""
	retry.Status = models.JobStatusQueued
	retry.TargetMachine = s.cfg.Server.TargetMachine
	retry.StartedAt = nil
	retry.CompletedAt = nil
	retry.ExitCode = nil
	retry.Error = nil
	retry.WorktreePath = ""
	retry.PID = nil
	retry.PRURL = nil
	retry.PRNumber = nil
	retry.FilesChanged = nil
	retry.CurrentIteration = 0
	retry.TotalIterations = 0
	retry.CompletionReason = nil
	retry.PRDProgress = nil
	retry.BranchName = fmt.Sprintf("%s-retry-%d", original.BranchName, time.Now().Unix())

	created, err := s.store.CreateJob(ctx, retry)
	if err != nil {
		respondError(c, err)
		return
	}
	s.queue.Process(ctx)
	c.JSON(http.StatusCreated, created)
}

// sendJobMessageHandler handles POST /jobs/:id/message: interactive-only
// stdin send (spec.md §6.1).
func (s *Server) sendJobMessageHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.JobType != models.JobTypeTask {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is only valid for interactive task jobs"})
		return
	}
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runner.Send(ctx, job.ID, req.Text); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// completeJobHandler handles POST /jobs/:id/complete: interactive-only
// stdin close (spec.md §6.1).
func (s *Server) completeJobHandler(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.JobType != models.JobTypeTask {
		c.JSON(http.StatusBadRequest, gin.H{"error": "complete is only valid for interactive task jobs"})
		return
	}
	if err := s.runner.End(job.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listIterationsHandler handles GET /jobs/:id/iterations: ralph-only
// (spec.md §6.1).
func (s *Server) listIterationsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.JobType != models.JobTypeRalph {
		c.JSON(http.StatusBadRequest, gin.H{"error": "iterations is only valid for ralph jobs"})
		return
	}
	iterations, err := s.store.ListIterations(ctx, job.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, iterations)
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
