package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpipe/conductor/pkg/models"
)

// CreateFeature inserts a new feature for a client, queued at the default
// workflow stage (spec.md §3).
func (s *Store) CreateFeature(ctx context.Context, f models.Feature) (*models.Feature, error) {
	if f.Title == "" {
		return nil, NewValidationError("title", "must not be empty")
	}
	stage := f.WorkflowStageID
	if stage == "" {
		stage = models.StageQueued
	}

	prd, err := marshalOptional(f.PRD)
	if err != nil {
		return nil, fmt.Errorf("marshal prd: %w", err)
	}
	specOutput, err := marshalOptional(f.SpecOutput)
	if err != nil {
		return nil, fmt.Errorf("marshal spec_output: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO features (client_id, title, notes, feature_type, prd, spec_output, workflow_stage_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, client_id, title, notes, feature_type, prd, spec_output, workflow_stage_id, created_at, updated_at`,
		f.ClientID, f.Title, f.Notes, f.FeatureType, prd, specOutput, stage)

	return scanFeature(row)
}

// GetFeature fetches a feature by ID.
func (s *Store) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_id, title, notes, feature_type, prd, spec_output, workflow_stage_id, created_at, updated_at
		 FROM features WHERE id = $1`, id)
	return scanFeature(row)
}

// SetWorkflowStage transitions a feature to a new stage code. The caller is
// responsible for supplying a valid code from workflow_stages (the core
// authors the transitions; spec.md §3).
func (s *Store) SetWorkflowStage(ctx context.Context, featureID, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE features SET workflow_stage_id = $2, updated_at = now() WHERE id = $1`,
		featureID, stage)
	if err != nil {
		return fmt.Errorf("set workflow stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePRD overwrites a feature's PRD document (e.g. after
// prd_generation, or a story's `passes` flag flips).
func (s *Store) UpdatePRD(ctx context.Context, featureID string, prd *models.PRD) error {
	data, err := marshalOptional(prd)
	if err != nil {
		return fmt.Errorf("marshal prd: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE features SET prd = $2, updated_at = now() WHERE id = $1`, featureID, data)
	if err != nil {
		return fmt.Errorf("update prd: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSpecOutput overwrites a feature's SpecOutput document. Callers are
// expected to have merged the new phase's fields via
// (*models.SpecOutput).MergePhase before calling this (spec.md §4.6).
func (s *Store) UpdateSpecOutput(ctx context.Context, featureID string, out *models.SpecOutput) error {
	data, err := marshalOptional(out)
	if err != nil {
		return fmt.Errorf("marshal spec_output: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE features SET spec_output = $2, updated_at = now() WHERE id = $1`, featureID, data)
	if err != nil {
		return fmt.Errorf("update spec_output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFeatures returns a client's features, newest first.
func (s *Store) ListFeatures(ctx context.Context, clientID string, limit, offset int) ([]models.Feature, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, title, notes, feature_type, prd, spec_output, workflow_stage_id, created_at, updated_at
		 FROM features WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		clientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []models.Feature
	for rows.Next() {
		f, err := scanFeatureRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFeature(row pgx.Row) (*models.Feature, error) {
	var f models.Feature
	var prd, specOutput []byte
	err := row.Scan(&f.ID, &f.ClientID, &f.Title, &f.Notes, &f.FeatureType, &prd, &specOutput, &f.WorkflowStageID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan feature: %w", err)
	}
	if err := unmarshalOptional(prd, &f.PRD); err != nil {
		return nil, fmt.Errorf("unmarshal prd: %w", err)
	}
	if err := unmarshalOptional(specOutput, &f.SpecOutput); err != nil {
		return nil, fmt.Errorf("unmarshal spec_output: %w", err)
	}
	return &f, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeatureRow(row rowScanner) (*models.Feature, error) {
	var f models.Feature
	var prd, specOutput []byte
	if err := row.Scan(&f.ID, &f.ClientID, &f.Title, &f.Notes, &f.FeatureType, &prd, &specOutput, &f.WorkflowStageID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan feature: %w", err)
	}
	if err := unmarshalOptional(prd, &f.PRD); err != nil {
		return nil, fmt.Errorf("unmarshal prd: %w", err)
	}
	if err := unmarshalOptional(specOutput, &f.SpecOutput); err != nil {
		return nil, fmt.Errorf("unmarshal spec_output: %w", err)
	}
	return &f, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}
