package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text search indexes not expressed in the
// plain migration SQL: GIN tsvector indexes over agent_jobs.prompt and
// features.notes. No query in pkg/store searches these columns by text.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_agent_jobs_prompt_gin
		ON agent_jobs USING gin(to_tsvector('english', prompt))`)
	if err != nil {
		return fmt.Errorf("failed to create agent_jobs prompt GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_features_notes_gin
		ON features USING gin(to_tsvector('english', COALESCE(notes, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create features notes GIN index: %w", err)
	}

	return nil
}
