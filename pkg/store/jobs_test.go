package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	testdb "github.com/agentpipe/conductor/test/database"
)

func newTestClient(t *testing.T, s *store.Store) *models.Client {
	t.Helper()
	c, err := s.CreateClient(context.Background(), "acme-corp")
	require.NoError(t, err)
	return c
}

func TestClaimNextJobSkipsLockedAndOtherMachines(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	_, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "fix the bug",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "other machine job",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-b",
	})
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	_, err = s.ClaimNextJob(ctx, "worker-a")
	assert.ErrorIs(t, err, store.ErrNoJobsAvailable)

	stillQueued, err := s.ClaimNextJob(ctx, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, "other machine job", stillQueued.Prompt)
}

func TestCompleteJobWritesTerminalStatus(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "ship it",
		JobType:       models.JobTypeTask,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)

	exitCode := 0
	require.NoError(t, s.CompleteJob(ctx, job.ID, store.JobCompletion{
		Status:       models.JobStatusCompleted,
		ExitCode:     &exitCode,
		FilesChanged: []string{"main.go"},
	}))

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, fetched.Status)
	assert.NotNil(t, fetched.CompletedAt)
	assert.Equal(t, []string{"main.go"}, fetched.FilesChanged)
}

func TestResetOrphanedJobsRequeues(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "long running",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)

	n, err := s.ResetOrphanedJobs(ctx, "worker-a", -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, fetched.Status)
	assert.Nil(t, fetched.PID)
}

func TestResetOrphanedJobsOnlyAffectsItsOwnMachine(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	ownJob, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "stale on worker-a",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)

	otherJob, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "stale on worker-b",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-b",
	})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "worker-b")
	require.NoError(t, err)

	n, err := s.ResetOrphanedJobs(ctx, "worker-a", -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "must reset only worker-a's stale job, not worker-b's")

	own, err := s.GetJob(ctx, ownJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, own.Status)

	other, err := s.GetJob(ctx, otherJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, other.Status, "worker-b's still-healthy running job must not be touched")
}

func TestCancelJobOnlyAffectsNonTerminal(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "cancel me",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, job.ID))

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, fetched.Status)

	err = s.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
