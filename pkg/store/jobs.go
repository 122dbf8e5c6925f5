package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentpipe/conductor/pkg/models"
)

// jobColumns is the full column list shared by every agent_jobs SELECT, kept
// in one place so scanJob and its callers never drift out of sync.
const jobColumns = `id, client_id, feature_id, repository_id, prompt, branch_name, title,
	job_type, status, target_machine, created_at, started_at, completed_at, exit_code,
	error, worktree_path, pid, pr_url, pr_number, files_changed, created_by_team_member_id,
	max_iterations, completion_promise, feedback_commands, current_iteration, total_iterations,
	completion_reason, prd_mode, prd, prd_progress, spec_phase, spec_output, metadata`

// CreateJob inserts a new job in the queued status (spec.md §3, §4.1).
func (s *Store) CreateJob(ctx context.Context, j models.AgentJob) (*models.AgentJob, error) {
	if j.Prompt == "" && j.JobType != models.JobTypeSpec {
		return nil, NewValidationError("prompt", "must not be empty")
	}
	if j.TargetMachine == "" {
		return nil, NewValidationError("target_machine", "must not be empty")
	}
	if j.Status == "" {
		j.Status = models.JobStatusQueued
	}

	filesChanged, err := marshalSlice(j.FilesChanged)
	if err != nil {
		return nil, fmt.Errorf("marshal files_changed: %w", err)
	}
	feedbackCommands, err := marshalSlice(j.FeedbackCommands)
	if err != nil {
		return nil, fmt.Errorf("marshal feedback_commands: %w", err)
	}
	prd, err := marshalOptional(j.PRD)
	if err != nil {
		return nil, fmt.Errorf("marshal prd: %w", err)
	}
	prdProgress, err := marshalOptional(j.PRDProgress)
	if err != nil {
		return nil, fmt.Errorf("marshal prd_progress: %w", err)
	}
	specOutput, err := marshalOptional(j.SpecOutput)
	if err != nil {
		return nil, fmt.Errorf("marshal spec_output: %w", err)
	}
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agent_jobs (
			client_id, feature_id, repository_id, prompt, branch_name, title, job_type,
			status, target_machine, created_by_team_member_id, max_iterations,
			completion_promise, feedback_commands, prd_mode, prd, prd_progress,
			spec_phase, spec_output, metadata, files_changed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING `+jobColumns,
		j.ClientID, j.FeatureID, j.RepositoryID, j.Prompt, j.BranchName, j.Title, j.JobType,
		j.Status, j.TargetMachine, j.CreatedByTeamMemberID, j.MaxIterations,
		j.CompletionPromise, feedbackCommands, j.PRDMode, prd, prdProgress,
		j.SpecPhase, specOutput, metadata, filesChanged)

	return scanJob(row)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*models.AgentJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// JobFilter narrows ListJobs (GET /jobs, spec.md §6.1: "Filter by
// status,clientId,featureId,limit,offset"). Zero-value fields are ignored.
type JobFilter struct {
	Status    models.JobStatus
	ClientID  string
	FeatureID string
	Limit     int
	Offset    int
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]models.AgentJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM agent_jobs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		query += " AND status = " + arg(filter.Status)
	}
	if filter.ClientID != "" {
		query += " AND client_id = " + arg(filter.ClientID)
	}
	if filter.FeatureID != "" {
		query += " AND feature_id = " + arg(filter.FeatureID)
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByFeature returns every job belonging to a feature, oldest first.
func (s *Store) ListJobsByFeature(ctx context.Context, featureID string) ([]models.AgentJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM agent_jobs WHERE feature_id = $1 ORDER BY created_at`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by feature: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByStatus returns every job for targetMachine in the given status,
// oldest first, for the queue controller's status() observation (spec.md
// §4.1) and the GET /jobs HTTP surface (spec.md §6.1).
func (s *Store) ListJobsByStatus(ctx context.Context, targetMachine string, status models.JobStatus) ([]models.AgentJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM agent_jobs WHERE target_machine = $1 AND status = $2 ORDER BY created_at`,
		targetMachine, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountRunningJobs returns the number of jobs currently running across all
// machines. The queue controller does not call it: it enforces
// QueueConfig.MaxConcurrentJobs against its own count of dispatched jobs.
func (s *Store) CountRunningJobs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_jobs WHERE status = $1`, models.JobStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// ClaimNextJob atomically claims the oldest queued job for targetMachine
// using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent queue controllers
// (or a restart racing a live process) never double-claim the same row.
// Grounded on the teacher's Worker.claimNextSession (pkg/queue/worker.go).
func (s *Store) ClaimNextJob(ctx context.Context, targetMachine string) (*models.AgentJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id FROM agent_jobs
		WHERE status = $1 AND target_machine = $2
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		models.JobStatusQueued, targetMachine)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("query next job: %w", err)
	}

	now := time.Now()
	claimRow := tx.QueryRow(ctx, `
		UPDATE agent_jobs
		SET status = $2, started_at = $3, last_heartbeat_at = $3
		WHERE id = $1
		RETURNING `+jobColumns,
		id, models.JobStatusRunning, now)

	job, err := scanJob(claimRow)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return job, nil
}

// Heartbeat stamps last_heartbeat_at for a running job. Called on a ticker by
// the goroutine supervising each claimed job (spec.md §4.1; grounded on the
// teacher's Worker.runHeartbeat).
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_jobs SET last_heartbeat_at = now() WHERE id = $1 AND status = $2`,
		jobID, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ResetOrphanedJobs moves every running job owned by targetMachine whose
// heartbeat is older than threshold back to queued, and clears its
// started_at, pid and last_heartbeat_at so it restarts cleanly. Scoped to targetMachine so a
// machine starting up never reads or mutates a job owned by a different
// machine (spec.md §4.1, §7, §9). Called once on process startup
// (spec.md §4.1 init()) and periodically thereafter.
func (s *Store) ResetOrphanedJobs(ctx context.Context, targetMachine string, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET status = $1, started_at = NULL, pid = NULL, last_heartbeat_at = NULL
		WHERE status = $2 AND target_machine = $3
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $4)`,
		models.JobStatusQueued, models.JobStatusRunning, targetMachine, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetPID records the OS process ID of a running job's agent subprocess, so a
// restart can recognize and kill a still-running orphan (spec.md §4.3).
func (s *Store) SetPID(ctx context.Context, jobID string, pid int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agent_jobs SET pid = $2 WHERE id = $1`, jobID, pid)
	if err != nil {
		return fmt.Errorf("set pid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob writes a terminal status (completed, failed or cancelled) plus
// whatever result fields the runner collected. Grounded on the teacher's
// updateSessionTerminalStatus.
type JobCompletion struct {
	Status       models.JobStatus
	ExitCode     *int
	Error        *string
	FilesChanged []string
	PRURL        *string
	PRNumber     *int
	CompletionReason *models.CompletionReason
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, c JobCompletion) error {
	filesChanged, err := marshalSlice(c.FilesChanged)
	if err != nil {
		return fmt.Errorf("marshal files_changed: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET status = $2, completed_at = now(), exit_code = $3, error = $4,
		    files_changed = COALESCE($5, files_changed), pr_url = $6, pr_number = $7,
		    completion_reason = $8
		WHERE id = $1`,
		jobID, c.Status, c.ExitCode, c.Error, filesChanged, c.PRURL, c.PRNumber, c.CompletionReason)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelJob marks a queued or running job cancelled, for the DELETE
// /jobs/:id endpoint (spec.md §6.1). Only non-terminal jobs are affected.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs SET status = $2, completed_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		jobID, models.JobStatusCancelled, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobPRD overwrites a ralph-PRD job's prd and prd_progress columns,
// called after each iteration as stories flip to passing (spec.md §4.5
// step 2).
func (s *Store) UpdateJobPRD(ctx context.Context, jobID string, prd *models.PRD, progress *models.PRDProgress) error {
	prdData, err := marshalOptional(prd)
	if err != nil {
		return fmt.Errorf("marshal prd: %w", err)
	}
	progressData, err := marshalOptional(progress)
	if err != nil {
		return fmt.Errorf("marshal prd_progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_jobs SET prd = $2, prd_progress = $3 WHERE id = $1`,
		jobID, prdData, progressData)
	if err != nil {
		return fmt.Errorf("update job prd: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordIterationProgress updates the ralph-loop counters on a job
// (spec.md §4.4).
func (s *Store) RecordIterationProgress(ctx context.Context, jobID string, current, total int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_jobs SET current_iteration = $2, total_iterations = $3 WHERE id = $1`,
		jobID, current, total)
	if err != nil {
		return fmt.Errorf("record iteration progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.AgentJob, error) {
	var j models.AgentJob
	var filesChanged, feedbackCommands, prd, prdProgress, specOutput, metadata []byte
	err := row.Scan(
		&j.ID, &j.ClientID, &j.FeatureID, &j.RepositoryID, &j.Prompt, &j.BranchName, &j.Title,
		&j.JobType, &j.Status, &j.TargetMachine, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ExitCode,
		&j.Error, &j.WorktreePath, &j.PID, &j.PRURL, &j.PRNumber, &filesChanged, &j.CreatedByTeamMemberID,
		&j.MaxIterations, &j.CompletionPromise, &feedbackCommands, &j.CurrentIteration, &j.TotalIterations,
		&j.CompletionReason, &j.PRDMode, &prd, &prdProgress, &j.SpecPhase, &specOutput, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := unmarshalSlice(filesChanged, &j.FilesChanged); err != nil {
		return nil, fmt.Errorf("unmarshal files_changed: %w", err)
	}
	if err := unmarshalSlice(feedbackCommands, &j.FeedbackCommands); err != nil {
		return nil, fmt.Errorf("unmarshal feedback_commands: %w", err)
	}
	if err := unmarshalOptional(prd, &j.PRD); err != nil {
		return nil, fmt.Errorf("unmarshal prd: %w", err)
	}
	if err := unmarshalOptional(prdProgress, &j.PRDProgress); err != nil {
		return nil, fmt.Errorf("unmarshal prd_progress: %w", err)
	}
	if err := unmarshalOptional(specOutput, &j.SpecOutput); err != nil {
		return nil, fmt.Errorf("unmarshal spec_output: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.AgentJob, error) {
	var out []models.AgentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func marshalSlice[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return json.Marshal(v)
}

func unmarshalSlice[T any](data []byte, dst *[]T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}
