// Package database provides a test-only Postgres pool backed by
// testcontainers-go, mirroring the teacher's CI/local test-database split.
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	conductordb "github.com/agentpipe/conductor/pkg/database"
)

// NewTestPool returns a pgx pool with migrations already applied.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL
// service container. In local dev: spins up a disposable testcontainer.
// The container/connection is automatically cleaned up when the test ends.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")

	if connStr != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
	} else {
		t.Log("using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("conductor_test"),
			postgres.WithUsername("conductor_test"),
			postgres.WithPassword("conductor_test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := conductordb.NewPoolFromDSN(ctx, connStr, "conductor_test")
	require.NoError(t, err)

	t.Cleanup(pool.Close)

	return pool
}
