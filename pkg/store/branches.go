package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentpipe/conductor/pkg/models"
)

const pgUniqueViolation = "23505"

// RecordBranch records a branch pushed for a job (spec.md §4.7). Returns
// ErrAlreadyExists if the repository already has a branch by this name.
func (s *Store) RecordBranch(ctx context.Context, b models.CodeBranch) (*models.CodeBranch, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO code_branches (repository_id, name, job_id)
		VALUES ($1, $2, $3)
		RETURNING id, repository_id, name, job_id, created_at`,
		b.RepositoryID, b.Name, b.JobID)

	var out models.CodeBranch
	err := row.Scan(&out.ID, &out.RepositoryID, &out.Name, &out.JobID, &out.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("record branch: %w", err)
	}
	return &out, nil
}

// RecordPullRequest records a PR opened for a job. Returns ErrAlreadyExists
// if the repository already has a PR with this number.
func (s *Store) RecordPullRequest(ctx context.Context, pr models.CodePullRequest) (*models.CodePullRequest, error) {
	filesChanged, err := marshalSlice(pr.FilesChanged)
	if err != nil {
		return nil, fmt.Errorf("marshal files_changed: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO code_pull_requests (repository_id, number, url, title, job_id, files_changed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, repository_id, number, url, title, job_id, files_changed, created_at`,
		pr.RepositoryID, pr.Number, pr.URL, pr.Title, pr.JobID, filesChanged)

	var out models.CodePullRequest
	var files []byte
	scanErr := row.Scan(&out.ID, &out.RepositoryID, &out.Number, &out.URL, &out.Title, &out.JobID, &files, &out.CreatedAt)
	if isUniqueViolation(scanErr) {
		return nil, ErrAlreadyExists
	}
	if scanErr != nil {
		return nil, fmt.Errorf("record pull request: %w", scanErr)
	}
	if err := unmarshalSlice(files, &out.FilesChanged); err != nil {
		return nil, fmt.Errorf("unmarshal files_changed: %w", err)
	}
	return &out, nil
}

// GetPullRequestByNumber looks up a PR by repository + number, used by the
// feedback-loop runner to append review comments (spec.md §4.4).
func (s *Store) GetPullRequestByNumber(ctx context.Context, repositoryID string, number int) (*models.CodePullRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, repository_id, number, url, title, job_id, files_changed, created_at
		FROM code_pull_requests WHERE repository_id = $1 AND number = $2`, repositoryID, number)

	var out models.CodePullRequest
	var files []byte
	err := row.Scan(&out.ID, &out.RepositoryID, &out.Number, &out.URL, &out.Title, &out.JobID, &files, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	if err := unmarshalSlice(files, &out.FilesChanged); err != nil {
		return nil, fmt.Errorf("unmarshal files_changed: %w", err)
	}
	return &out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
