package api

import "github.com/agentpipe/conductor/pkg/models"

// CreateRepositoryRequest is the body for POST /clients/:id/repository.
type CreateRepositoryRequest struct {
	GithubOrg     string `json:"githubOrg" binding:"required"`
	GithubRepo    string `json:"githubRepo" binding:"required"`
	DefaultBranch string `json:"defaultBranch"`
}

// CreateJobRequest is the body for POST /jobs (spec.md §6.1).
type CreateJobRequest struct {
	ClientID              string             `json:"clientId"`
	FeatureID             string             `json:"featureId"`
	RepositoryID          string             `json:"repositoryId"`
	GithubOrg             string             `json:"githubOrg"`
	GithubRepo            string             `json:"githubRepo"`
	Prompt                string             `json:"prompt"`
	BranchName            string             `json:"branchName"`
	Title                 string             `json:"title"`
	JobType               models.JobType     `json:"jobType" binding:"required"`
	CreatedByTeamMemberID *string            `json:"createdByTeamMemberId"`
	MaxIterations         *int               `json:"maxIterations"`
	CompletionPromise     *string            `json:"completionPromise"`
	FeedbackCommands      []string           `json:"feedbackCommands"`
	PRDMode               bool               `json:"prdMode"`
	PRD                   *models.PRD        `json:"prd"`
	SpecMode              bool               `json:"specMode"`
}

// RetryJobRequest is the (empty) body for POST /jobs/:id/retry — retry takes
// no parameters, it copies the original job's fields verbatim aside from
// the branch suffix (spec.md §6.1).
type RetryJobRequest struct{}

// MessageRequest is the body for POST /jobs/:id/message.
type MessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// AnswerClarificationRequest is the body for
// POST /features/:id/spec/clarifications/:cid.
type AnswerClarificationRequest struct {
	Response string `json:"response" binding:"required"`
}

// EnqueueSpecPhaseRequest is the body for POST /features/:id/spec/phase.
type EnqueueSpecPhaseRequest struct {
	Phase models.SpecPhase `json:"phase" binding:"required"`
}

// SpecOutputPatchRequest patches exactly one named section of a feature's
// SpecOutput (PUT /features/:id/spec/output, spec.md §6.1). Section selects
// which of the optional fields below is applied; the others are ignored.
type SpecOutputPatchRequest struct {
	Section        models.SpecPhase         `json:"section" binding:"required"`
	Constitution   string                   `json:"constitution"`
	Spec           *models.SpecSection      `json:"spec"`
	Clarifications []models.Clarification   `json:"clarifications"`
	Plan           *models.PlanSection      `json:"plan"`
	Analysis       *models.AnalysisSection  `json:"analysis"`
	Tasks          []models.TaskItem        `json:"tasks"`
}
