package store

import (
	"context"
	"fmt"

	"github.com/agentpipe/conductor/pkg/models"
)

// SetToolEnabled upserts a client's allow/deny decision for one MCP tool
// name (spec.md §6.4 tool allowlist).
func (s *Store) SetToolEnabled(ctx context.Context, clientID, toolName string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_tools (client_id, tool_name, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, tool_name) DO UPDATE SET enabled = EXCLUDED.enabled`,
		clientID, toolName, enabled)
	if err != nil {
		return fmt.Errorf("set tool enabled: %w", err)
	}
	return nil
}

// ListClientTools returns a client's full tool allowlist.
func (s *Store) ListClientTools(ctx context.Context, clientID string) ([]models.ClientTool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_id, tool_name, enabled FROM client_tools WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list client tools: %w", err)
	}
	defer rows.Close()

	var out []models.ClientTool
	for rows.Next() {
		var t models.ClientTool
		if err := rows.Scan(&t.ClientID, &t.ToolName, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan client tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IsToolEnabled reports whether a client may invoke toolName. Absent rows
// default to enabled: a client with no explicit row has never been
// restricted.
func (s *Store) IsToolEnabled(ctx context.Context, clientID, toolName string) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT enabled FROM client_tools WHERE client_id = $1 AND tool_name = $2`,
		clientID, toolName).Scan(&enabled)
	if isNoRows(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("is tool enabled: %w", err)
	}
	return enabled, nil
}
