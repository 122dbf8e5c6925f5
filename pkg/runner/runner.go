// Package runner implements the single-shot (job_type=code) and interactive
// (job_type=task) agent runners (spec.md §4.3) — the simplest of the three
// dispatcher.Runner implementations, with no iteration loop or phase state
// machine of its own. Grounded on the teacher's pkg/queue/worker.go for the
// claim-to-terminal-status shape (heartbeat ticker alongside the subprocess,
// a single terminal CompleteJob call on every exit path) and on
// pkg/agent.Runner/pkg/worktree.Manager for everything process- and
// git-shaped.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
)

// Runner executes job_type=code and job_type=task jobs.
type Runner struct {
	agent     *agent.Runner
	worktrees *worktree.Manager
	store     *store.Store

	mu          sync.Mutex
	interactive map[string]*agent.Handle
}

// New creates a Runner.
func New(a *agent.Runner, w *worktree.Manager, st *store.Store) *Runner {
	return &Runner{agent: a, worktrees: w, store: st, interactive: make(map[string]*agent.Handle)}
}

// Run implements dispatcher.Runner. It branches on job.JobType: "code" runs
// the single-shot git-producing flow, "task" runs the interactive
// stdin-driven flow.
func (r *Runner) Run(ctx context.Context, job models.AgentJob) error {
	switch job.JobType {
	case models.JobTypeCode:
		return r.runCode(ctx, job)
	case models.JobTypeTask:
		return r.runTask(ctx, job)
	default:
		return fmt.Errorf("runner: unsupported job type %q", job.JobType)
	}
}

// Send writes a user message to an interactive job's running subprocess
// (spec.md §4.3 send(jobId, text)).
func (r *Runner) Send(ctx context.Context, jobID, text string) error {
	r.mu.Lock()
	h, ok := r.interactive[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runner: job %s has no active interactive session", jobID)
	}

	line, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{
		Type: "user",
		Message: struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: "user", Content: text},
	})
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	if err := h.WriteStdin(string(line) + "\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return r.store.AppendMessage(ctx, jobID, models.MessageTypeUserInput, text)
}

// End closes an interactive job's stdin, signaling the agent to finish
// (spec.md §4.3 end(jobId)).
func (r *Runner) End(jobID string) error {
	r.mu.Lock()
	h, ok := r.interactive[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runner: job %s has no active interactive session", jobID)
	}
	return h.CloseStdin()
}

func (r *Runner) runCode(ctx context.Context, job models.AgentJob) error {
	log := slog.With("job_id", job.ID, "job_type", job.JobType)

	repo, err := r.resolveRepository(ctx, &job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("resolve repository: %v", err))
	}

	worktreePath, err := r.worktrees.CreateWorktree(ctx, *repo, job.BranchName)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create worktree: %v", err))
	}

	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	handle, err := r.agent.Spawn(ctx, agent.SpawnParams{
		WorkDir: worktreePath,
		Prompt:  job.Prompt,
		OnLine:  r.appendLine(ctx, job.ID),
	})
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("spawn agent: %v", err))
	}
	if err := r.store.SetPID(ctx, job.ID, handle.PID()); err != nil {
		log.Warn("set pid failed", "error", err)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		if termErr := handle.Terminate(5 * time.Second); termErr != nil {
			log.Warn("terminate after wait error failed", "error", termErr)
		}
		return r.fail(ctx, job.ID, fmt.Sprintf("agent wait: %v", err))
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("agent exited with code %d", result.ExitCode)
		if result.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, result.Err)
		}
		return r.fail(ctx, job.ID, msg)
	}

	hasChanges, err := r.worktrees.HasChanges(ctx, worktreePath)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("check worktree status: %v", err))
	}
	if !hasChanges {
		errMsg := "No changes were made"
		return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{
			Status: models.JobStatusCompleted,
			Error:  &errMsg,
		})
	}

	commitMsg := job.Title
	if commitMsg == "" {
		commitMsg = "conductor: automated change"
	}
	if err := r.worktrees.Commit(ctx, worktreePath, commitMsg); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("commit: %v", err))
	}
	if err := r.worktrees.Push(ctx, worktreePath, job.BranchName); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("push: %v", err))
	}

	if _, err := r.store.RecordBranch(ctx, models.CodeBranch{
		RepositoryID: repo.ID,
		Name:         job.BranchName,
		JobID:        job.ID,
	}); err != nil {
		log.Warn("record branch failed", "error", err)
	}

	filesChanged, err := r.worktrees.ListChangedFiles(ctx, worktreePath, repo.DefaultBranch)
	if err != nil {
		log.Warn("list changed files failed", "error", err)
	}

	number, url, err := r.worktrees.CreatePullRequest(ctx, worktreePath, *repo, job.BranchName, job.Title, job.Prompt)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create pull request: %v", err))
	}
	if _, err := r.store.RecordPullRequest(ctx, models.CodePullRequest{
		RepositoryID: repo.ID,
		Number:       number,
		URL:          url,
		Title:        job.Title,
		JobID:        job.ID,
		FilesChanged: filesChanged,
	}); err != nil {
		log.Warn("record pull request failed", "error", err)
	}

	return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{
		Status:       models.JobStatusCompleted,
		PRURL:        &url,
		PRNumber:     &number,
		FilesChanged: filesChanged,
	})
}

func (r *Runner) runTask(ctx context.Context, job models.AgentJob) error {
	repo, err := r.resolveRepository(ctx, &job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("resolve repository: %v", err))
	}

	worktreePath, err := r.worktrees.CreateWorktree(ctx, *repo, job.BranchName)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create worktree: %v", err))
	}

	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	handle, err := r.agent.Spawn(ctx, agent.SpawnParams{
		WorkDir: worktreePath,
		OnLine:  r.appendLine(ctx, job.ID),
	})
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("spawn agent: %v", err))
	}
	if err := r.store.SetPID(ctx, job.ID, handle.PID()); err != nil {
		slog.Warn("set pid failed", "job_id", job.ID, "error", err)
	}

	r.mu.Lock()
	r.interactive[job.ID] = handle
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.interactive, job.ID)
		r.mu.Unlock()
	}()

	result, err := handle.Wait(ctx)
	if err != nil {
		if termErr := handle.Terminate(5 * time.Second); termErr != nil {
			slog.Warn("terminate after wait error failed", "job_id", job.ID, "error", termErr)
		}
		return r.fail(ctx, job.ID, fmt.Sprintf("agent wait: %v", err))
	}
	if result.ExitCode != 0 {
		return r.fail(ctx, job.ID, fmt.Sprintf("agent exited with code %d", result.ExitCode))
	}

	// Interactive jobs never mutate git state (spec.md §4.3).
	return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{Status: models.JobStatusCompleted})
}

func (r *Runner) resolveRepository(ctx context.Context, job *models.AgentJob) (*models.Repository, error) {
	if job.RepositoryID == nil {
		return nil, fmt.Errorf("job has no repository_id")
	}
	return r.store.GetRepository(ctx, *job.RepositoryID)
}

func (r *Runner) fail(ctx context.Context, jobID, errMsg string) error {
	slog.Error("job failed", "job_id", jobID, "error", errMsg)
	return r.store.CompleteJob(ctx, jobID, store.JobCompletion{
		Status: models.JobStatusFailed,
		Error:  &errMsg,
	})
}

// startHeartbeat runs a ticker that stamps last_heartbeat_at every 10s until
// the returned stop function is called, grounded on the teacher's
// Worker.runHeartbeat (pkg/queue/worker.go).
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(ctx, jobID); err != nil {
					slog.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) appendLine(ctx context.Context, jobID string) func(string, bool) {
	return func(line string, isStderr bool) {
		typ := models.MessageTypeStdout
		if isStderr {
			typ = models.MessageTypeStderr
		}
		if err := r.store.AppendMessage(ctx, jobID, typ, line); err != nil {
			slog.Warn("append message failed", "job_id", jobID, "error", err)
		}
	}
}
