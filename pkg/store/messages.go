package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpipe/conductor/pkg/models"
)

// AppendMessage writes one line to a job's append-only output log
// (spec.md §4.3: stdout/stderr framing for the stream-json agent protocol).
func (s *Store) AppendMessage(ctx context.Context, jobID string, typ models.MessageType, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_job_messages (job_id, type, content) VALUES ($1, $2, $3)`,
		jobID, typ, content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a job's messages in chronological order, optionally
// starting after afterID (cursor-based tailing for the follow-log endpoint,
// spec.md §6.1).
func (s *Store) ListMessages(ctx context.Context, jobID string, afterID string, limit int) ([]models.AgentJobMessage, error) {
	if limit <= 0 {
		limit = 500
	}

	var rows pgx.Rows
	var err error
	if afterID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, job_id, type, content, created_at FROM agent_job_messages
			 WHERE job_id = $1 ORDER BY created_at LIMIT $2`, jobID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT m.id, m.job_id, m.type, m.content, m.created_at
			FROM agent_job_messages m, agent_job_messages cursor
			WHERE cursor.id = $2 AND m.job_id = $1 AND m.created_at > cursor.created_at
			ORDER BY m.created_at LIMIT $3`, jobID, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.AgentJobMessage
	for rows.Next() {
		var m models.AgentJobMessage
		if err := rows.Scan(&m.ID, &m.JobID, &m.Type, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
