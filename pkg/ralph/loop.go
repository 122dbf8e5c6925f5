// Package ralph implements the bounded-iteration ralph loop runner
// (spec.md §4.4) and its per-story ralph-PRD variant (§4.5). Both drive the
// same agent subprocess/worktree primitives as pkg/runner but repeat the
// spawn across up to max_iterations passes, accumulating progress in a
// sidecar file the agent itself edits. Grounded on the teacher's
// bounded-iteration, retry-once, sentinel-detecting style in
// pkg/agent/controller/iterating.go and react.go, generalized from an
// LLM-tool-call loop to a coding-agent-subprocess loop.
package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
)

// heartbeatInterval matches pkg/runner's heartbeat cadence; a ralph loop job
// runs many iterations back-to-back, so the heartbeat must span the whole
// Run call rather than any single iteration, or the orphan sweep requeues
// (and double-runs) a job that is still making progress.
const heartbeatInterval = 10 * time.Second

// startHeartbeat runs a ticker that stamps last_heartbeat_at every
// heartbeatInterval until the returned stop function is called, grounded on
// the teacher's Worker.runHeartbeat (pkg/queue/worker.go) the same way
// pkg/runner.Runner.startHeartbeat is.
func startHeartbeat(ctx context.Context, st *store.Store, jobID string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Heartbeat(ctx, jobID); err != nil {
					slog.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// defaultCompletionPromise is used when a job doesn't set
// completion_promise explicitly (spec.md §4.4).
const defaultCompletionPromise = "RALPH_COMPLETE"

// defaultMaxIterations bounds a ralph job when max_iterations is unset.
const defaultMaxIterations = 10

// LoopRunner implements dispatcher.Runner for job_type=ralph, prd_mode=false.
type LoopRunner struct {
	agent     *agent.Runner
	worktrees *worktree.Manager
	store     *store.Store
}

// NewLoopRunner creates a LoopRunner.
func NewLoopRunner(a *agent.Runner, w *worktree.Manager, st *store.Store) *LoopRunner {
	return &LoopRunner{agent: a, worktrees: w, store: st}
}

// Run drives the bounded-iteration loop to completion (spec.md §4.4).
func (r *LoopRunner) Run(ctx context.Context, job models.AgentJob) error {
	log := slog.With("job_id", job.ID, "job_type", job.JobType)

	repo, err := r.resolveRepository(ctx, &job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("resolve repository: %v", err))
	}

	worktreePath, err := r.worktrees.CreateWorktree(ctx, *repo, job.BranchName)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create worktree: %v", err))
	}
	if err := initProgressFile(worktreePath, job.ID, job.BranchName); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("init progress file: %v", err))
	}

	stopHeartbeat := startHeartbeat(ctx, r.store, job.ID)
	defer stopHeartbeat()

	maxIterations := defaultMaxIterations
	if job.MaxIterations != nil && *job.MaxIterations > 0 {
		maxIterations = *job.MaxIterations
	}
	promise := defaultCompletionPromise
	if job.CompletionPromise != nil && *job.CompletionPromise != "" {
		promise = *job.CompletionPromise
	}

	var reason models.CompletionReason
	var totalIterations int

	for i := 1; i <= maxIterations; i++ {
		current, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("reload job: %v", err))
		}
		if current.Status == models.JobStatusCancelled {
			reason = models.CompletionReasonManualStop
			totalIterations = i - 1
			break
		}

		progress, err := readProgressFile(worktreePath)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("read progress file: %v", err))
		}
		prompt := buildIterationPrompt(job.Prompt, i, maxIterations, promise, progress)

		iterRow, err := r.store.StartIteration(ctx, models.AgentJobIteration{JobID: job.ID, IterationNumber: i, PromptUsed: prompt})
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("start iteration %d: %v", i, err))
		}

		exitCode, stdout, runErr := r.spawnIteration(ctx, job.ID, worktreePath, prompt)
		sentinelHit := strings.Contains(stdout, promise)

		if runErr != nil && !sentinelHit {
			log.Warn("iteration crashed, retrying once", "iteration", i, "error", runErr)
			exitCode, stdout, runErr = r.spawnIteration(ctx, job.ID, worktreePath, prompt)
			sentinelHit = strings.Contains(stdout, promise)
			if runErr != nil {
				errMsg := runErr.Error()
				_ = r.store.CompleteIteration(ctx, iterRow.ID, exitCode, false, "", nil, nil, &errMsg)
				reason = models.CompletionReasonIterationError
				totalIterations = i
				break
			}
		}

		var feedback []models.FeedbackResult
		if len(job.FeedbackCommands) > 0 {
			feedback = runFeedbackCommands(ctx, worktreePath, job.FeedbackCommands)
			if err := appendProgressEntry(worktreePath, fmt.Sprintf("Feedback Results (Iteration %d)", i), formatFeedbackResults(feedback)); err != nil {
				log.Warn("append feedback results failed", "error", err)
			}
		}

		summary := extractSummary(stdout)
		if err := appendProgressEntry(worktreePath, fmt.Sprintf("Iteration %d", i), summary); err != nil {
			log.Warn("append iteration summary failed", "error", err)
		}

		var commitSHA *string
		if sha, err := r.worktrees.HeadCommit(ctx, worktreePath); err == nil {
			commitSHA = &sha
		}
		if err := r.store.CompleteIteration(ctx, iterRow.ID, exitCode, sentinelHit, summary, feedback, commitSHA, nil); err != nil {
			log.Warn("complete iteration record failed", "error", err)
		}
		if err := r.store.RecordIterationProgress(ctx, job.ID, i, maxIterations); err != nil {
			log.Warn("record iteration progress failed", "error", err)
		}

		totalIterations = i
		if sentinelHit {
			reason = models.CompletionReasonPromiseDetected
			break
		}
		if i == maxIterations {
			reason = models.CompletionReasonMaxIterations
		}
	}

	return r.finish(ctx, job, repo, worktreePath, totalIterations, reason)
}

func (r *LoopRunner) spawnIteration(ctx context.Context, jobID, worktreePath, prompt string) (exitCode int, stdout string, err error) {
	var lines []string
	handle, err := r.agent.Spawn(ctx, agent.SpawnParams{
		WorkDir: worktreePath,
		Prompt:  prompt,
		OnLine: func(line string, isStderr bool) {
			typ := models.MessageTypeStdout
			if isStderr {
				typ = models.MessageTypeStderr
			} else {
				lines = append(lines, line)
			}
			if appendErr := r.store.AppendMessage(ctx, jobID, typ, line); appendErr != nil {
				slog.Warn("append message failed", "job_id", jobID, "error", appendErr)
			}
		},
	})
	if err != nil {
		return -1, "", fmt.Errorf("spawn agent: %w", err)
	}
	if err := r.store.SetPID(ctx, jobID, handle.PID()); err != nil {
		slog.Warn("set pid failed", "job_id", jobID, "error", err)
	}

	result, err := handle.Wait(ctx)
	stdout = strings.Join(lines, "\n")
	if err != nil {
		return -1, stdout, fmt.Errorf("agent wait: %w", err)
	}
	if result.ExitCode != 0 {
		return result.ExitCode, stdout, fmt.Errorf("agent exited with code %d", result.ExitCode)
	}
	return result.ExitCode, stdout, nil
}

// finish commits/pushes whatever the loop produced and opens a PR, mirroring
// the single-shot runner's terminal handling (spec.md §4.4 "Termination").
func (r *LoopRunner) finish(ctx context.Context, job models.AgentJob, repo *models.Repository, worktreePath string, totalIterations int, reason models.CompletionReason) error {
	hasChanges, err := r.worktrees.HasChanges(ctx, worktreePath)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("check worktree status: %v", err))
	}
	if hasChanges {
		commitMsg := job.Title
		if commitMsg == "" {
			commitMsg = "conductor: ralph iteration"
		}
		if err := r.worktrees.Commit(ctx, worktreePath, commitMsg); err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("commit: %v", err))
		}
	}
	if err := r.worktrees.Push(ctx, worktreePath, job.BranchName); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("push: %v", err))
	}

	hasAnyCommit, err := r.hasAnyCommit(ctx, worktreePath, repo.DefaultBranch)
	if err == nil && !hasAnyCommit {
		errMsg := "No changes were made"
		return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{
			Status:           models.JobStatusCompleted,
			CompletionReason: &reason,
			Error:            &errMsg,
		})
	}

	filesChanged, _ := r.worktrees.ListChangedFiles(ctx, worktreePath, repo.DefaultBranch)
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
		slog.Warn("record pull request failed", "job_id", job.ID, "error", err)
	}

	return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{
		Status:           models.JobStatusCompleted,
		CompletionReason: &reason,
		PRURL:            &url,
		PRNumber:         &number,
		FilesChanged:     filesChanged,
	})
}

func (r *LoopRunner) hasAnyCommit(ctx context.Context, worktreePath, defaultBranch string) (bool, error) {
	changed, err := r.worktrees.ListChangedFiles(ctx, worktreePath, defaultBranch)
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}

func (r *LoopRunner) resolveRepository(ctx context.Context, job *models.AgentJob) (*models.Repository, error) {
	if job.RepositoryID == nil {
		return nil, fmt.Errorf("job has no repository_id")
	}
	return r.store.GetRepository(ctx, *job.RepositoryID)
}

func (r *LoopRunner) fail(ctx context.Context, jobID, errMsg string) error {
	slog.Error("ralph job failed", "job_id", jobID, "error", errMsg)
	return r.store.CompleteJob(ctx, jobID, store.JobCompletion{
		Status: models.JobStatusFailed,
		Error:  &errMsg,
	})
}

// buildIterationPrompt composes base prompt + iteration header + completion
// sentinel instructions + current progress-file contents (spec.md §4.4
// step 3).
func buildIterationPrompt(basePrompt string, iteration, maxIterations int, promise, progress string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", basePrompt)
	fmt.Fprintf(&b, "Iteration %d of %d.\n", iteration, maxIterations)
	fmt.Fprintf(&b, "When you believe the task is fully complete, output the exact line: %s\n\n", promise)
	b.WriteString("Write a `## Summary` section describing what you did this iteration.\n\n")
	if progress != "" {
		b.WriteString("Progress so far:\n\n")
		b.WriteString(progress)
		b.WriteString("\n")
	}
	return b.String()
}
