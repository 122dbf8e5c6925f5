// Package queue admits and tracks in-flight jobs for this machine
// (spec.md §4.1). Grounded on the teacher's pkg/queue (pool.go, worker.go,
// orphan.go): a single control loop owns admission and orphan recovery,
// slog-based structured logging throughout, and a registry of per-job
// cancel functions protected by a mutex — but collapsed from the teacher's
// fixed pool of N long-lived poller goroutines into one admission pass that
// spawns one goroutine per claimed job, since spec.md §4.1 describes "a
// single control loop; per-job execution runs on independent worker tasks"
// rather than N pollers racing each other for rows.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/dispatcher"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
)

// Status is the observable state returned by Controller.Status, assembled
// from the store rather than purely from in-memory handles — spec.md §4.1:
// "returns ... as observed from the store (not only local handles)".
type Status struct {
	Running       []models.AgentJob
	Queued        []models.AgentJob
	MaxConcurrent int
}

// Controller admits queued jobs up to QueueConfig.MaxConcurrentJobs and
// dispatches each to the runner selected by the Dispatcher.
type Controller struct {
	targetMachine string
	store         *store.Store
	dispatcher    *dispatcher.Dispatcher
	cfg           config.QueueConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates a Controller for targetMachine (this process's
// identity in the target_machine column).
func NewController(targetMachine string, st *store.Store, d *dispatcher.Dispatcher, cfg config.QueueConfig) *Controller {
	return &Controller{
		targetMachine: targetMachine,
		store:         st,
		dispatcher:    d,
		cfg:           cfg,
		active:        make(map[string]context.CancelFunc),
		stopCh:        make(chan struct{}),
	}
}

// Init resets any job left running for this machine (a previous process
// died mid-job; spec.md §7) back to queued, then triggers an admission
// pass. Call once at process startup before Run.
func (c *Controller) Init(ctx context.Context) error {
	n, err := c.store.ResetOrphanedJobs(ctx, c.targetMachine, c.cfg.OrphanThreshold)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("reset orphaned jobs to queued on startup", "count", n, "target_machine", c.targetMachine)
	}
	c.Process(ctx)
	return nil
}

// Run starts the background admission loop and orphan-detection loop. It
// blocks until both loops have exited (ctx cancelled or Stop called) and
// every job goroutine dispatched so far has returned.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runAdmissionLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runOrphanDetectionLoop(ctx)
	}()
	c.wg.Wait()
}

// Stop signals the background loops to exit and returns at once. It does not
// wait for the loops or for in-flight jobs' goroutines (Run's own wait covers
// those), and it does not cancel the jobs.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Controller) runAdmissionLoop(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(c.cfg.PollIntervalJitter) + 1))
		timer := time.NewTimer(c.cfg.PollInterval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			c.Process(ctx)
		}
	}
}

func (c *Controller) runOrphanDetectionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.OrphanDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			n, err := c.store.ResetOrphanedJobs(ctx, c.targetMachine, c.cfg.OrphanThreshold)
			if err != nil {
				slog.Error("orphan detection failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("reset orphaned jobs to queued", "count", n)
			}
		}
	}
}

// Process runs one idempotent admission pass: it claims up to
// max_concurrent - running_locally queued jobs for this machine and
// dispatches each on its own goroutine. Safe to call concurrently with
// itself and with the background admission loop (spec.md §4.1).
func (c *Controller) Process(ctx context.Context) {
	for {
		c.mu.Lock()
		available := c.cfg.MaxConcurrentJobs - len(c.active)
		c.mu.Unlock()
		if available <= 0 {
			return
		}

		job, err := c.store.ClaimNextJob(ctx, c.targetMachine)
		if errors.Is(err, store.ErrNoJobsAvailable) {
			return
		}
		if err != nil {
			slog.Error("claim next job failed", "error", err)
			return
		}
		c.dispatch(ctx, job)
	}
}

// dispatch hands a claimed job to the Dispatcher on its own goroutine,
// registering a cancel function so Cancel can terminate it later.
func (c *Controller) dispatch(parent context.Context, job *models.AgentJob) {
	jobCtx, cancel := context.WithCancel(context.Background())
	if c.cfg.JobTimeout > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, c.cfg.JobTimeout)
		innerCancel := cancel
		cancel = func() { timeoutCancel(); innerCancel() }
	}

	c.mu.Lock()
	c.active[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.active, job.ID)
			c.mu.Unlock()
		}()

		log := slog.With("job_id", job.ID, "job_type", job.JobType, "target_machine", c.targetMachine)
		log.Info("dispatching job")
		if err := c.dispatcher.Dispatch(jobCtx, *job); err != nil {
			log.Error("job dispatch failed", "error", err)
		}
	}()
}

// Status reports the running/queued jobs for this machine as currently
// observed from the store, not only from local in-memory handles — another
// replica's jobs, or jobs claimed before a restart, still show up here
// (spec.md §4.1).
func (c *Controller) Status(ctx context.Context) (Status, error) {
	running, err := c.store.ListJobsByStatus(ctx, c.targetMachine, models.JobStatusRunning)
	if err != nil {
		return Status{}, err
	}
	queued, err := c.store.ListJobsByStatus(ctx, c.targetMachine, models.JobStatusQueued)
	if err != nil {
		return Status{}, err
	}
	return Status{Running: running, Queued: queued, MaxConcurrent: c.cfg.MaxConcurrentJobs}, nil
}

// Cancel terminates a job's local handle if one is running on this
// machine, and marks it cancelled in the store. A no-op on jobs already in
// a terminal state (spec.md §4.1).
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	cancel, ok := c.active[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return c.store.CancelJob(ctx, jobID)
}
