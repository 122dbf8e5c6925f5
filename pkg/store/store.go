// Package store is the typed gateway onto the core's Postgres schema. It
// replaces the teacher's ent-generated client (see DESIGN.md) with
// hand-written pgx queries, grouped by entity across the files in this
// package. Every method accepts a context.Context and is cancellable,
// matching the teacher's suspension-point discipline (spec.md §4, §5).
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool and exposes entity-scoped query methods.
// A single Store is shared by every goroutine in the process; pgxpool is
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-migrated pgx pool (see pkg/database.NewPool).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, for health checks (pkg/database.Health)
// and anything else that needs a raw connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
