package ralph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
)

// prdFileName is the structured plan the agent edits in the worktree
// (spec.md §4.5).
const prdFileName = "prd.json"

// prdCompletionSentinel is the fixed string the agent emits only once every
// story passes (spec.md §4.5).
const prdCompletionSentinel = "<promise>COMPLETE</promise>"

// PRDRunner implements dispatcher.Runner for job_type=ralph, prd_mode=true.
type PRDRunner struct {
	agent     *agent.Runner
	worktrees *worktree.Manager
	store     *store.Store
}

// NewPRDRunner creates a PRDRunner.
func NewPRDRunner(a *agent.Runner, w *worktree.Manager, st *store.Store) *PRDRunner {
	return &PRDRunner{agent: a, worktrees: w, store: st}
}

// Run drives the per-story ralph-PRD loop to completion (spec.md §4.5).
func (r *PRDRunner) Run(ctx context.Context, job models.AgentJob) error {
	log := slog.With("job_id", job.ID, "job_type", job.JobType)

	if job.PRD == nil {
		return r.fail(ctx, job.ID, "ralph-PRD job has no prd set")
	}
	repo, err := r.resolveRepository(ctx, &job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("resolve repository: %v", err))
	}

	worktreePath, err := r.worktrees.CreateWorktree(ctx, *repo, job.BranchName)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create worktree: %v", err))
	}

	prd, progress, err := r.setup(ctx, worktreePath, job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("setup: %v", err))
	}

	stopHeartbeat := startHeartbeat(ctx, r.store, job.ID)
	defer stopHeartbeat()

	maxIterations := defaultMaxIterations
	if job.MaxIterations != nil && *job.MaxIterations > 0 {
		maxIterations = *job.MaxIterations
	}

	var reason models.CompletionReason
	var lastCommitSHA string

	for i := 1; i <= maxIterations; i++ {
		incomplete := prd.IncompleteStories()
		if len(incomplete) == 0 {
			reason = models.CompletionReasonAllStoriesComplete
			break
		}

		current, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("reload job: %v", err))
		}
		if current.Status == models.JobStatusCancelled {
			reason = models.CompletionReasonManualStop
			break
		}

		story := incomplete[0]
		prompt := buildStoryPrompt(job.Prompt, story, i, maxIterations)
		iterRow, err := r.store.StartIteration(ctx, models.AgentJobIteration{
			JobID: job.ID, IterationNumber: i, PromptUsed: prompt, StoryID: &story.ID,
		})
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("start iteration %d: %v", i, err))
		}

		exitCode, stdout, runErr := r.spawnIteration(ctx, job.ID, worktreePath, prompt)
		sentinelHit := strings.Contains(stdout, prdCompletionSentinel)
		if runErr != nil && !sentinelHit {
			log.Warn("iteration crashed, retrying once", "iteration", i, "error", runErr)
			exitCode, stdout, runErr = r.spawnIteration(ctx, job.ID, worktreePath, prompt)
			sentinelHit = strings.Contains(stdout, prdCompletionSentinel)
			if runErr != nil {
				errMsg := runErr.Error()
				_ = r.store.CompleteIteration(ctx, iterRow.ID, exitCode, false, "", nil, nil, &errMsg)
				reason = models.CompletionReasonIterationError
				break
			}
		}

		prd, err = readPRD(worktreePath)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("read prd.json after iteration %d: %v", i, err))
		}

		newlyCompleted := storiesNewlyPassing(prd, progress)
		for _, s := range newlyCompleted {
			sha, findErr := r.worktrees.FindCommitByGrep(ctx, worktreePath, fmt.Sprintf("story-%d", s.ID))
			if findErr != nil || sha == "" {
				sha, _ = r.worktrees.CommitSince(ctx, worktreePath, lastCommitSHA)
			}
			if sha != "" {
				progress.Commits = append(progress.Commits, models.StoryCommit{
					StoryID: s.ID, SHA: sha, Message: fmt.Sprintf("feat(story-%d): %s", s.ID, s.Title),
					Timestamp: time.Now(),
				})
				lastCommitSHA = sha
			} else {
				log.Warn("story marked passing with no discoverable commit", "story_id", s.ID)
			}
			progress.CompletedStoryIDs = append(progress.CompletedStoryIDs, s.ID)
			if job.FeatureID != nil {
				if err := r.store.SetTodoStatusByOrderIndex(ctx, *job.FeatureID, s.ID-1, models.TodoStatusDone); err != nil {
					log.Warn("sync todo for completed story failed", "story_id", s.ID, "error", err)
				}
			}
		}

		summary := extractSummary(stdout)
		var commitSHA *string
		if lastCommitSHA != "" {
			commitSHA = &lastCommitSHA
		}
		if err := r.store.CompleteIteration(ctx, iterRow.ID, exitCode, sentinelHit, summary, nil, commitSHA, nil); err != nil {
			log.Warn("complete iteration record failed", "error", err)
		}

		if err := r.persistProgress(ctx, job, prd, progress); err != nil {
			log.Warn("persist prd_progress failed", "error", err)
		}
		if err := r.worktrees.Push(ctx, worktreePath, job.BranchName); err != nil {
			log.Warn("intermediate push failed", "error", err)
		}

		if sentinelHit {
			reason = models.CompletionReasonAllStoriesComplete
			break
		}
		if i == maxIterations {
			reason = models.CompletionReasonMaxIterations
		}
	}

	return r.finish(ctx, job, repo, worktreePath, prd, progress, reason)
}

// setup writes prd.json and the story-checklist progress file, reconciling
// completedStoryIds from any existing passing stories if the file already
// matches this job's PRD title (spec.md §4.5 "Setup").
func (r *PRDRunner) setup(ctx context.Context, worktreePath string, job models.AgentJob) (*models.PRD, *models.PRDProgress, error) {
	prd := job.PRD
	progress := job.PRDProgress
	if progress == nil {
		progress = &models.PRDProgress{}
	}

	existing, err := readPRD(worktreePath)
	if err == nil && existing != nil && existing.Title == prd.Title {
		progress.CompletedStoryIDs = existing.PassingStoryIDs()
	} else {
		if err := writePRD(worktreePath, prd); err != nil {
			return nil, nil, err
		}
	}

	checklist := storyChecklist(prd)
	if err := initProgressFile(worktreePath, job.ID, job.BranchName); err != nil {
		return nil, nil, err
	}
	if err := appendProgressEntry(worktreePath, "Story Checklist", checklist); err != nil {
		return nil, nil, err
	}

	return prd, progress, nil
}

func (r *PRDRunner) spawnIteration(ctx context.Context, jobID, worktreePath, prompt string) (exitCode int, stdout string, err error) {
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

func (r *PRDRunner) persistProgress(ctx context.Context, job models.AgentJob, prd *models.PRD, progress *models.PRDProgress) error {
	if err := r.store.UpdateJobPRD(ctx, job.ID, prd, progress); err != nil {
		return err
	}
	if job.FeatureID != nil {
		if err := r.store.UpdatePRD(ctx, *job.FeatureID, prd); err != nil {
			slog.Warn("update feature prd failed", "job_id", job.ID, "feature_id", *job.FeatureID, "error", err)
		}
	}
	return nil
}

// finish recomputes completedStoryIds from the final prd.json, bulk-syncs
// todos, creates the PR, and on success marks the feature ready for review
// (spec.md §4.5 "End of job").
func (r *PRDRunner) finish(ctx context.Context, job models.AgentJob, repo *models.Repository, worktreePath string, prd *models.PRD, progress *models.PRDProgress, reason models.CompletionReason) error {
	final, err := readPRD(worktreePath)
	if err == nil && final != nil {
		prd = final
	}
	progress.CompletedStoryIDs = prd.PassingStoryIDs()
	if err := r.persistProgress(ctx, job, prd, progress); err != nil {
		slog.Warn("persist final prd_progress failed", "job_id", job.ID, "error", err)
	}

	if job.FeatureID != nil {
		passing := make(map[int]bool, len(prd.Stories))
		for _, id := range prd.PassingStoryIDs() {
			passing[id-1] = true
		}
		if err := r.store.SyncTodoStatusesFromStories(ctx, *job.FeatureID, passing); err != nil {
			slog.Warn("sync todo statuses failed", "job_id", job.ID, "error", err)
		}
	}

	hasChanges, err := r.worktrees.HasChanges(ctx, worktreePath)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("check worktree status: %v", err))
	}
	if hasChanges {
		if err := r.worktrees.Commit(ctx, worktreePath, "conductor: final ralph-PRD sync"); err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("commit: %v", err))
		}
	}
	if err := r.worktrees.Push(ctx, worktreePath, job.BranchName); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("push: %v", err))
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

	if job.FeatureID != nil {
		if err := r.store.SetWorkflowStage(ctx, *job.FeatureID, models.StageReadyForReview); err != nil {
			slog.Warn("set workflow stage failed", "job_id", job.ID, "error", err)
		}
	}

	return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{
		Status:           models.JobStatusCompleted,
		CompletionReason: &reason,
		PRURL:            &url,
		PRNumber:         &number,
		FilesChanged:     filesChanged,
	})
}

func (r *PRDRunner) resolveRepository(ctx context.Context, job *models.AgentJob) (*models.Repository, error) {
	if job.RepositoryID == nil {
		return nil, fmt.Errorf("job has no repository_id")
	}
	return r.store.GetRepository(ctx, *job.RepositoryID)
}

func (r *PRDRunner) fail(ctx context.Context, jobID, errMsg string) error {
	slog.Error("ralph-PRD job failed", "job_id", jobID, "error", errMsg)
	return r.store.CompleteJob(ctx, jobID, store.JobCompletion{
		Status: models.JobStatusFailed,
		Error:  &errMsg,
	})
}

func readPRD(worktreePath string) (*models.PRD, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, prdFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prd.json: %w", err)
	}
	var p models.PRD
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal prd.json: %w", err)
	}
	return &p, nil
}

func writePRD(worktreePath string, prd *models.PRD) error {
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prd.json: %w", err)
	}
	return os.WriteFile(filepath.Join(worktreePath, prdFileName), data, 0o644)
}

// storiesNewlyPassing returns stories in prd that pass but aren't yet in
// progress.CompletedStoryIDs (spec.md §4.5 step 1: newlyCompleted).
func storiesNewlyPassing(prd *models.PRD, progress *models.PRDProgress) []models.Story {
	var out []models.Story
	for _, s := range prd.Stories {
		if s.Passes && !progress.HasCompleted(s.ID) {
			out = append(out, s)
		}
	}
	return out
}

func storyChecklist(prd *models.PRD) string {
	var b strings.Builder
	for _, s := range prd.Stories {
		mark := " "
		if s.Passes {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] story-%d: %s\n", mark, s.ID, s.Title)
	}
	return b.String()
}

// buildStoryPrompt tells the agent to work exactly one story this
// iteration, commit with a fixed message shape, and flip prd.json's
// passes flag, emitting the sentinel only once every story passes
// (spec.md §4.5 "Per iteration").
func buildStoryPrompt(basePrompt string, story models.Story, iteration, maxIterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", basePrompt)
	fmt.Fprintf(&b, "Iteration %d of %d. Work on exactly one story this iteration:\n\n", iteration, maxIterations)
	fmt.Fprintf(&b, "Story %d: %s\n%s\n", story.ID, story.Title, story.Description)
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nCommit your change with message `feat(story-%d): %s`.\n", story.ID, story.Title)
	b.WriteString("Set \"passes\": true for exactly this story in prd.json.\n")
	fmt.Fprintf(&b, "Only once ALL stories pass, emit the exact line: %s\n", prdCompletionSentinel)
	return b.String()
}

