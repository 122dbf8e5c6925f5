package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpipe/conductor/pkg/models"
)

// CreateClient inserts a new tenant.
func (s *Store) CreateClient(ctx context.Context, name string) (*models.Client, error) {
	if name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO clients (name) VALUES ($1)
		 RETURNING id, name, constitution_text, constitution_generated_at, created_at, updated_at`,
		name)

	return scanClient(row)
}

// ListClients returns every client, oldest first (GET /clients, spec.md §6.1).
func (s *Store) ListClients(ctx context.Context) ([]models.Client, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, constitution_text, constitution_generated_at, created_at, updated_at
		 FROM clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetClient fetches a client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, constitution_text, constitution_generated_at, created_at, updated_at
		 FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

// UpdateConstitution sets a client's reusable constitution text, stamping
// constitution_generated_at (spec.md §4.6, the "constitution" phase output).
func (s *Store) UpdateConstitution(ctx context.Context, clientID, text string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clients SET constitution_text = $2, constitution_generated_at = now(), updated_at = now()
		 WHERE id = $1`, clientID, text)
	if err != nil {
		return fmt.Errorf("update constitution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	err := row.Scan(&c.ID, &c.Name, &c.ConstitutionText, &c.ConstitutionGeneratedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return &c, nil
}

// CreateRepository attaches a repository to a client
// (POST /clients/:id/repository, spec.md §6.1).
func (s *Store) CreateRepository(ctx context.Context, r models.Repository) (*models.Repository, error) {
	if r.Owner == "" || r.Name == "" {
		return nil, NewValidationError("owner/name", "must not be empty")
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	if r.Provider == "" {
		r.Provider = "github"
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO repositories (client_id, owner, name, default_branch, provider, url)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, client_id, owner, name, default_branch, provider, url, created_at, updated_at`,
		r.ClientID, r.Owner, r.Name, r.DefaultBranch, r.Provider, r.URL)

	return scanRepository(row)
}

// GetRepository fetches a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_id, owner, name, default_branch, provider, url, created_at, updated_at
		 FROM repositories WHERE id = $1`, id)
	return scanRepository(row)
}

// GetRepositoryByFullName looks up a client's repository by owner/name,
// used by the job-creation and sync HTTP handlers to resolve a GitHub
// org/repo pair.
func (s *Store) GetRepositoryByFullName(ctx context.Context, clientID, owner, name string) (*models.Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_id, owner, name, default_branch, provider, url, created_at, updated_at
		 FROM repositories WHERE client_id = $1 AND owner = $2 AND name = $3`,
		clientID, owner, name)
	return scanRepository(row)
}

// ListRepositoriesByClient returns every repository attached to a client,
// oldest first, for the GET /clients/:id "+repository" response (spec.md
// §6.1).
func (s *Store) ListRepositoriesByClient(ctx context.Context, clientID string) ([]models.Repository, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, owner, name, default_branch, provider, url, created_at, updated_at
		 FROM repositories WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list repositories by client: %w", err)
	}
	defer rows.Close()

	var out []models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRepository(row pgx.Row) (*models.Repository, error) {
	var r models.Repository
	err := row.Scan(&r.ID, &r.ClientID, &r.Owner, &r.Name, &r.DefaultBranch, &r.Provider, &r.URL, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return &r, nil
}
