package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductordb "github.com/agentpipe/conductor/pkg/database"
	testdb "github.com/agentpipe/conductor/test/database"
)

func TestNewPoolFromDSNAppliesMigrations(t *testing.T) {
	pool := testdb.NewTestPool(t)

	var exists bool
	err := pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'agent_jobs')`).
		Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "agent_jobs table should exist after migrations run")
}

func TestHealthReportsPoolStats(t *testing.T) {
	pool := testdb.NewTestPool(t)

	status, err := conductordb.Health(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.GreaterOrEqual(t, status.MaxConns, int32(1))
}
