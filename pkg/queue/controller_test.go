package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/dispatcher"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/queue"
	"github.com/agentpipe/conductor/pkg/store"
	testdb "github.com/agentpipe/conductor/test/database"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrentJobs:       2,
		PollInterval:            10 * time.Millisecond,
		PollIntervalJitter:      0,
		JobTimeout:              0,
		GracefulShutdownTimeout: time.Second,
		HeartbeatInterval:       10 * time.Millisecond,
		OrphanDetectionInterval: time.Hour,
		OrphanThreshold:         time.Hour,
	}
}

func newTestClient(t *testing.T, s *store.Store) *models.Client {
	t.Helper()
	c, err := s.CreateClient(context.Background(), "acme-corp")
	require.NoError(t, err)
	return c
}

// blockingRunner returns a dispatcher.RunnerFunc that blocks until release is
// closed, letting tests observe a job while it is still "running".
func blockingRunner(release <-chan struct{}) dispatcher.RunnerFunc {
	return func(ctx context.Context, job models.AgentJob) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
}

func TestControllerProcessClaimsUpToMaxConcurrent(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	release := make(chan struct{})
	defer close(release)

	d := dispatcher.New()
	d.Register(models.JobTypeCode, blockingRunner(release))

	for i := 0; i < 3; i++ {
		_, err := s.CreateJob(ctx, models.AgentJob{
			ClientID:      c.ID,
			Prompt:        "fix the bug",
			JobType:       models.JobTypeCode,
			TargetMachine: "worker-a",
		})
		require.NoError(t, err)
	}

	cfg := testQueueConfig()
	qc := queue.NewController("worker-a", s, d, cfg)
	qc.Process(ctx)

	assert.Eventually(t, func() bool {
		status, err := qc.Status(ctx)
		require.NoError(t, err)
		return len(status.Running) == 2 && len(status.Queued) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestControllerInitResetsOrphanedJobs(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	d := dispatcher.New()
	cfg := testQueueConfig()
	cfg.OrphanThreshold = 0 // any running job with a heartbeat is "stale" immediately
	cfg.MaxConcurrentJobs = 0

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "fix the bug",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)

	otherMachineJob, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "owned by a different machine",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-b",
	})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "worker-b")
	require.NoError(t, err)

	qc := queue.NewController("worker-a", s, d, cfg)
	require.NoError(t, qc.Init(ctx))

	reloaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, reloaded.Status, "orphan recovery requeues a stale running job")

	otherReloaded, err := s.GetJob(ctx, otherMachineJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, otherReloaded.Status, "worker-a's Init must never touch worker-b's job")
}

func TestControllerCancelStopsActiveJobAndMarksCancelled(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()
	c := newTestClient(t, s)

	var wg sync.WaitGroup
	wg.Add(1)
	cancelled := make(chan struct{})
	d := dispatcher.New()
	d.Register(models.JobTypeCode, dispatcher.RunnerFunc(func(ctx context.Context, job models.AgentJob) error {
		defer wg.Done()
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      c.ID,
		Prompt:        "fix the bug",
		JobType:       models.JobTypeCode,
		TargetMachine: "worker-a",
	})
	require.NoError(t, err)

	cfg := testQueueConfig()
	qc := queue.NewController("worker-a", s, d, cfg)
	qc.Process(ctx)

	require.Eventually(t, func() bool {
		status, err := qc.Status(ctx)
		require.NoError(t, err)
		return len(status.Running) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, qc.Cancel(ctx, job.ID))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel did not propagate to the runner's context")
	}
	wg.Wait()

	reloaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, reloaded.Status)
}
