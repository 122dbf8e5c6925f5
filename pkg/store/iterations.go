package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpipe/conductor/pkg/models"
)

const iterationColumns = `id, job_id, iteration_number, started_at, completed_at, exit_code,
	prompt_used, promise_detected, output_summary, feedback_results, story_id, commit_sha, error`

// StartIteration inserts a new row for the next iteration of a ralph-variant
// job (spec.md §4.4, §4.5).
func (s *Store) StartIteration(ctx context.Context, it models.AgentJobIteration) (*models.AgentJobIteration, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agent_job_iterations (job_id, iteration_number, prompt_used, story_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+iterationColumns,
		it.JobID, it.IterationNumber, it.PromptUsed, it.StoryID)
	return scanIteration(row)
}

// CompleteIteration writes the outcome of one ralph iteration: exit code,
// promise detection, feedback command results, and the commit produced
// (spec.md §4.4).
func (s *Store) CompleteIteration(ctx context.Context, id string, exitCode int, promiseDetected bool, outputSummary string, feedback []models.FeedbackResult, commitSHA *string, iterErr *string) error {
	feedbackJSON, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback_results: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_job_iterations
		SET completed_at = now(), exit_code = $2, promise_detected = $3,
		    output_summary = $4, feedback_results = $5, commit_sha = $6, error = $7
		WHERE id = $1`,
		id, exitCode, promiseDetected, outputSummary, feedbackJSON, commitSHA, iterErr)
	if err != nil {
		return fmt.Errorf("complete iteration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIterations returns every iteration of a job, in order.
func (s *Store) ListIterations(ctx context.Context, jobID string) ([]models.AgentJobIteration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+iterationColumns+` FROM agent_job_iterations WHERE job_id = $1 ORDER BY iteration_number`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []models.AgentJobIteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanIteration(row pgx.Row) (*models.AgentJobIteration, error) {
	var it models.AgentJobIteration
	var feedback []byte
	err := row.Scan(&it.ID, &it.JobID, &it.IterationNumber, &it.StartedAt, &it.CompletedAt, &it.ExitCode,
		&it.PromptUsed, &it.PromiseDetected, &it.OutputSummary, &feedback, &it.StoryID, &it.CommitSHA, &it.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan iteration: %w", err)
	}
	if len(feedback) > 0 {
		if err := json.Unmarshal(feedback, &it.FeedbackResults); err != nil {
			return nil, fmt.Errorf("unmarshal feedback_results: %w", err)
		}
	}
	return &it, nil
}
