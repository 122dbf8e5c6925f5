package store

import (
	"context"
	"fmt"

	"github.com/agentpipe/conductor/pkg/models"
)

// RecordAttachment stores a screenshot taken by the cosmetic-feature
// screenshot collector (spec.md §6.5).
func (s *Store) RecordAttachment(ctx context.Context, a models.Attachment) (*models.Attachment, error) {
	if a.Path == "" {
		return nil, NewValidationError("path", "must not be empty")
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "image/png"
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (feature_id, job_id, path, content_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, feature_id, job_id, path, content_type, created_at`,
		a.FeatureID, a.JobID, a.Path, contentType)

	var out models.Attachment
	if err := row.Scan(&out.ID, &out.FeatureID, &out.JobID, &out.Path, &out.ContentType, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	return &out, nil
}

// ListAttachments returns a feature's attachments, newest first.
func (s *Store) ListAttachments(ctx context.Context, featureID string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, feature_id, job_id, path, content_type, created_at
		FROM attachments WHERE feature_id = $1 ORDER BY created_at DESC`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.FeatureID, &a.JobID, &a.Path, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
