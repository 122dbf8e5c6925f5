// Package models contains the plain data types shared across the core:
// job records, tenant records and spec documents, plus a few small helpers
// on them (phase ordering, stage codes, SpecOutput merging, PRD story
// queries). The HTTP request/response shapes live in pkg/api.
package models

import "time"

// JobType identifies which runner a job is routed to (spec.md §4.2).
type JobType string

// Job type constants.
const (
	JobTypeCode          JobType = "code"
	JobTypeTask          JobType = "task"
	JobTypeRalph         JobType = "ralph"
	JobTypeSpec          JobType = "spec"
	JobTypePRDGeneration JobType = "prd_generation"
)

// JobStatus is the lifecycle status of an AgentJob.
type JobStatus string

// Job status constants. Transitions are monotonic along
// queued -> running -> {completed, failed, cancelled}; only init() on
// restart may move a job back to queued.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// CompletionReason explains why a ralph-variant job stopped iterating.
type CompletionReason string

// Completion reason constants.
const (
	CompletionReasonPromiseDetected    CompletionReason = "promise_detected"
	CompletionReasonMaxIterations      CompletionReason = "max_iterations"
	CompletionReasonIterationError     CompletionReason = "iteration_error"
	CompletionReasonManualStop         CompletionReason = "manual_stop"
	CompletionReasonAllStoriesComplete CompletionReason = "all_stories_complete"
)

// SpecPhase identifies one node of the spec phase DAG (spec.md §4.6).
type SpecPhase string

// Spec phase constants, in DAG order.
const (
	SpecPhaseConstitution SpecPhase = "constitution"
	SpecPhaseSpecify      SpecPhase = "specify"
	SpecPhaseClarify      SpecPhase = "clarify"
	SpecPhasePlan         SpecPhase = "plan"
	SpecPhaseAnalyze      SpecPhase = "analyze"
	SpecPhaseTasks        SpecPhase = "tasks"
)

// specPhaseOrder is the linear DAG constitution -> specify -> ... -> tasks.
var specPhaseOrder = []SpecPhase{
	SpecPhaseConstitution,
	SpecPhaseSpecify,
	SpecPhaseClarify,
	SpecPhasePlan,
	SpecPhaseAnalyze,
	SpecPhaseTasks,
}

// NextPhase returns the phase after p, or "" if p is terminal (tasks) or
// unrecognized.
func NextPhase(p SpecPhase) SpecPhase {
	for i, phase := range specPhaseOrder {
		if phase == p && i+1 < len(specPhaseOrder) {
			return specPhaseOrder[i+1]
		}
	}
	return ""
}

// RequiresHumanInput reports whether phase p is a human-input gate.
// Only clarify is — spec.md §8 "Only clarify requires human input".
func RequiresHumanInput(p SpecPhase) bool {
	return p == SpecPhaseClarify
}

// PhaseOrder returns the spec phase DAG in order, the single source of truth
// both pkg/api and pkg/mcp build their own JSON-shaped phase listings from
// rather than each re-deriving the DAG order independently.
func PhaseOrder() []SpecPhase {
	out := make([]SpecPhase, len(specPhaseOrder))
	copy(out, specPhaseOrder)
	return out
}

// AgentJob is the unit the queue processes (spec.md §3).
type AgentJob struct {
	ID             string
	ClientID       string
	FeatureID      *string
	RepositoryID   *string
	Prompt         string
	BranchName     string
	Title          string
	JobType        JobType
	Status         JobStatus
	TargetMachine  string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ExitCode       *int
	Error          *string
	WorktreePath   string
	PID            *int
	PRURL          *string
	PRNumber       *int
	FilesChanged   []string
	CreatedByTeamMemberID *string

	// Ralph / ralph-PRD fields.
	MaxIterations     *int
	CompletionPromise *string
	FeedbackCommands  []string
	CurrentIteration  int
	TotalIterations   int
	CompletionReason  *CompletionReason

	PRDMode     bool
	PRD         *PRD
	PRDProgress *PRDProgress

	// Spec fields.
	SpecPhase  *SpecPhase
	SpecOutput *SpecOutput

	// Metadata carries opaque, JSON-serializable side channels such as the
	// predictive scheduler's metadata.scheduling slice (spec.md §4.8).
	Metadata map[string]any
}

// IsTerminal reports whether status is one of the terminal states.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// AgentJobIteration is one row per iteration of a ralph-variant job.
type AgentJobIteration struct {
	ID              string
	JobID           string
	IterationNumber int
	StartedAt       time.Time
	CompletedAt     *time.Time
	ExitCode        *int
	PromptUsed      string
	PromiseDetected bool
	OutputSummary   string
	FeedbackResults []FeedbackResult
	StoryID         *int
	CommitSHA       *string
	Error           *string
}

// FeedbackResult is the pass/fail outcome of one feedback command
// (test, lint, typecheck) run after a ralph iteration.
type FeedbackResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Passed   bool   `json:"passed"`
}

// MessageType identifies the kind of AgentJobMessage entry.
type MessageType string

// Message type constants.
const (
	MessageTypeStdout    MessageType = "stdout"
	MessageTypeStderr    MessageType = "stderr"
	MessageTypeSystem    MessageType = "system"
	MessageTypeUserInput MessageType = "user_input"
)

// AgentJobMessage is one append-only log line for a job.
type AgentJobMessage struct {
	ID        string
	JobID     string
	Type      MessageType
	Content   string
	CreatedAt time.Time
}

// CodeBranch is a record of a branch pushed for a job.
type CodeBranch struct {
	ID           string
	RepositoryID string
	Name         string
	JobID        string
	CreatedAt    time.Time
}

// CodePullRequest is a record of a PR opened for a job.
type CodePullRequest struct {
	ID           string
	RepositoryID string
	Number       int
	URL          string
	Title        string
	JobID        string
	FilesChanged []string
	CreatedAt    time.Time
}
