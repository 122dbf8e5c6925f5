// Package database provides the Postgres connection pool and migration
// runner used by pkg/store.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver under database/sql, used only for migrations

	"github.com/agentpipe/conductor/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// NewPool opens a pgx connection pool, applies pending migrations, and
// returns it ready for use by pkg/store. Migrations run through a short-
// lived database/sql handle (golang-migrate's postgres driver requires one)
// that is closed before NewPool returns; the pool itself is pgx-native.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	return newPool(ctx, cfg.DSN(), cfg.Database, cfg.MaxOpenConns, cfg.MaxIdleConns)
}

// NewPoolFromDSN is NewPool's test-only sibling: it takes a ready-made DSN
// (as produced by a testcontainers-go connection string) instead of a
// config.DatabaseConfig, for use by test/database.NewTestPool.
func NewPoolFromDSN(ctx context.Context, dsn, databaseName string) (*pgxpool.Pool, error) {
	return newPool(ctx, dsn, databaseName, 10, 5)
}

func newPool(ctx context.Context, dsn, databaseName string, maxConns, minConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, dsn, databaseName); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return pool, nil
}

// runMigrations applies every pending migration embedded under migrations/
// using golang-migrate. Migration files are embedded into the binary with
// go:embed so deployment never depends on an external SQL directory.
func runMigrations(ctx context.Context, dsn, databaseName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found, binary may be built incorrectly")
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return CreateGINIndexes(ctx, db)
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
