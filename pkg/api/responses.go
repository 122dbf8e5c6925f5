package api

import "github.com/agentpipe/conductor/pkg/models"

// HealthResponse is returned by GET /health (spec.md §6.1: "{status, queue,
// claude, git}").
type HealthResponse struct {
	Status string       `json:"status"`
	Queue  QueueHealth  `json:"queue"`
	Claude ClaudeHealth `json:"claude"`
	Git    GitHealth    `json:"git"`
}

// QueueHealth summarizes admission state for the health endpoint.
type QueueHealth struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// ClaudeHealth reports the agent subprocess auth check (spec.md §6.3:
// "claude --version with success indicating authenticated; login type
// inferred from ANTHROPIC_API_KEY env or ~/.claude/{settings,auth}.json").
type ClaudeHealth struct {
	Authenticated bool   `json:"authenticated"`
	LoginType     string `json:"loginType,omitempty"`
	Version       string `json:"version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// GitHealth reports whether the git binary the worktree manager shells out
// to is available.
type GitHealth struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ClientResponse is a client plus its attached repositories
// (GET /clients/:id, spec.md §6.1: "one client (+repository)").
type ClientResponse struct {
	models.Client
	Repositories []models.Repository `json:"repositories"`
}

// ConstitutionResponse is returned by GET /clients/:id/constitution.
type ConstitutionResponse struct {
	Text        string `json:"text"`
	GeneratedAt string `json:"generatedAt,omitempty"`
}

// SpecResponse is returned by GET /features/:id/spec: the feature's current
// SpecOutput document, its unanswered-clarification count, and recent spec
// jobs for that feature (spec.md §6.1).
type SpecResponse struct {
	SpecOutput               *models.SpecOutput `json:"specOutput"`
	UnansweredClarifications int                 `json:"unansweredClarifications"`
	RecentJobs               []models.AgentJob   `json:"recentJobs"`
}

// SpecPhaseMeta describes one node of the spec phase DAG for GET /spec/phases.
type SpecPhaseMeta struct {
	Phase             models.SpecPhase `json:"phase"`
	RequiresHumanInput bool            `json:"requiresHumanInput"`
	Next              models.SpecPhase `json:"next,omitempty"`
}

// specPhaseMetaList builds the phase metadata for GET /spec/phases
// (spec.md §6.1) from models.PhaseOrder/NextPhase/RequiresHumanInput rather
// than a second hand-maintained table — pkg/mcp's phaseMetaList builds the
// same shape from the same source for its own response type.
func specPhaseMetaList() []SpecPhaseMeta {
	phases := models.PhaseOrder()
	out := make([]SpecPhaseMeta, 0, len(phases))
	for _, p := range phases {
		out = append(out, SpecPhaseMeta{
			Phase:              p,
			RequiresHumanInput: models.RequiresHumanInput(p),
			Next:               models.NextPhase(p),
		})
	}
	return out
}
