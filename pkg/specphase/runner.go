// Package specphase drives the spec phase state machine (spec.md §4.6): a
// linear DAG constitution -> specify -> clarify -> plan -> analyze -> tasks,
// each phase a separate spec job whose completion auto-enqueues the next
// unless a gate blocks. Grounded on the teacher's bounded-retry,
// text-extraction style in pkg/agent/controller/scoring.go (extractScore's
// parse-then-retry loop), generalized from "extract a trailing number" to
// "extract and validate a JSON payload".
package specphase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
)

// maxJudgeIterations bounds the analyze phase's judge+improve loop
// (spec.md §4.6 "Cap at 3 iterations").
const maxJudgeIterations = 3

// heartbeatInterval matches pkg/runner's heartbeat cadence; the analyze
// phase's judge+improve loop can spawn several agents back-to-back within a
// single job, so the heartbeat must span the whole Run call rather than any
// one agent spawn.
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

// Runner implements dispatcher.Runner for job_type=spec.
type Runner struct {
	agent     *agent.Runner
	worktrees *worktree.Manager
	store     *store.Store
	memory    MemoryRecaller
}

// NewRunner creates a Runner. memory may be nil, in which case recall is a
// no-op (no external memory service configured).
func NewRunner(a *agent.Runner, w *worktree.Manager, st *store.Store, memory MemoryRecaller) *Runner {
	if memory == nil {
		memory = NoMemory{}
	}
	return &Runner{agent: a, worktrees: w, store: st, memory: memory}
}

// Run executes one phase of the spec state machine for job (spec.md §4.6
// "Per-job execution").
func (r *Runner) Run(ctx context.Context, job models.AgentJob) error {
	feature, repo, err := r.resolve(ctx, &job)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("resolve feature/repository: %v", err))
	}

	worktreePath, err := r.worktrees.CreateWorktree(ctx, *repo, job.BranchName)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("create worktree: %v", err))
	}

	stopHeartbeat := startHeartbeat(ctx, r.store, job.ID)
	defer stopHeartbeat()

	phase := models.SpecPhaseConstitution
	if job.SpecPhase != nil && *job.SpecPhase != "" {
		phase = *job.SpecPhase
	}
	log := slog.With("job_id", job.ID, "feature_id", feature.ID, "phase", phase)

	if err := r.store.SetWorkflowStage(ctx, feature.ID, models.RunningStage(phase)); err != nil {
		log.Warn("set running stage failed", "error", err)
	}

	existing := feature.SpecOutput
	if existing == nil {
		existing = &models.SpecOutput{}
	}

	client, err := r.store.GetClient(ctx, feature.ClientID)
	if err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("load client: %v", err))
	}

	var output string
	if phase == models.SpecPhaseConstitution && client.ConstitutionText != nil && !existing.ForceRegenerate {
		quoted, err := json.Marshal(*client.ConstitutionText)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("quote stored constitution: %v", err))
		}
		output = fmt.Sprintf("```json\n{\"constitution\": %s}\n```", quoted)
	} else {
		memoryText := recallMemory(ctx, r.memory, feature.ClientID, feature.ID, feature.Title)
		prompt := buildPrompt(phase, feature.Title, feature.Notes, existing, memoryText)
		output, err = r.spawnAndCollect(ctx, job.ID, worktreePath, prompt)
		if err != nil {
			return r.fail(ctx, job.ID, fmt.Sprintf("spawn agent: %v", err))
		}
	}

	update, err := r.parsePhaseOutput(ctx, job.ID, worktreePath, phase, output)
	if err != nil {
		return r.fail(ctx, job.ID, err.Error())
	}

	existing.MergePhase(phase, *update)

	if phase == models.SpecPhaseAnalyze {
		r.runJudgeLoop(ctx, job.ID, worktreePath, client.ConstitutionText, existing)
	}

	if err := r.store.UpdateSpecOutput(ctx, feature.ID, existing); err != nil {
		return r.fail(ctx, job.ID, fmt.Sprintf("persist spec output: %v", err))
	}
	if phase == models.SpecPhaseConstitution {
		if err := r.store.UpdateConstitution(ctx, feature.ClientID, existing.Constitution); err != nil {
			log.Warn("persist constitution to client failed", "error", err)
		}
	}

	if err := r.applyGate(ctx, &job, feature, repo, phase, existing); err != nil {
		return r.fail(ctx, job.ID, err.Error())
	}

	return r.store.CompleteJob(ctx, job.ID, store.JobCompletion{Status: models.JobStatusCompleted})
}

// applyGate implements spec.md §4.6 step 12: clarify/analyze gates, or
// advancing to <phase>_complete and enqueuing the next phase.
func (r *Runner) applyGate(ctx context.Context, job *models.AgentJob, feature *models.Feature, repo *models.Repository, phase models.SpecPhase, out *models.SpecOutput) error {
	log := slog.With("job_id", job.ID, "feature_id", feature.ID, "phase", phase)

	if phase == models.SpecPhaseClarify && out.UnansweredCount() > 0 {
		return r.store.SetWorkflowStage(ctx, feature.ID, models.StageClarifyWaiting)
	}

	if phase == models.SpecPhaseAnalyze && (out.Analysis == nil || !out.Analysis.Passed) {
		return r.store.SetWorkflowStage(ctx, feature.ID, models.StageAnalyzeFailed)
	}

	if err := r.store.SetWorkflowStage(ctx, feature.ID, models.CompleteStage(phase)); err != nil {
		return err
	}

	if phase == models.SpecPhaseTasks {
		return r.store.SetWorkflowStage(ctx, feature.ID, models.StageSpecComplete)
	}

	next := models.NextPhase(phase)
	if next == "" {
		return nil
	}
	if _, err := r.store.CreateJob(ctx, models.AgentJob{
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    job.BranchName,
		Title:         fmt.Sprintf("%s: %s", next, feature.Title),
		JobType:       models.JobTypeSpec,
		TargetMachine: job.TargetMachine,
		SpecPhase:     &next,
	}); err != nil {
		log.Error("enqueue next phase job failed", "next_phase", next, "error", err)
		return fmt.Errorf("enqueue %s phase: %w", next, err)
	}
	return nil
}

// runJudgeLoop drives the judge+auto-improve loop (spec.md §4.6 "Judge +
// auto-improve loop"): re-spawns the agent with an improve prompt, then a
// judge prompt, capped at maxJudgeIterations. Failures are logged and
// swallowed — a broken judge leaves out.Analysis exactly as the analyze
// phase's initial agent call produced it ("if judge throws, proceed with
// basic analysis").
func (r *Runner) runJudgeLoop(ctx context.Context, jobID, worktreePath string, constitution *string, out *models.SpecOutput) {
	if out.Analysis == nil || out.Analysis.Passed || out.Plan == nil {
		return
	}
	c := ""
	if constitution != nil {
		c = *constitution
	}

	for i := 0; i < maxJudgeIterations; i++ {
		improveOutput, err := r.spawnAndCollect(ctx, jobID, worktreePath, buildImprovePrompt(out.Plan, out.Analysis))
		if err != nil {
			slog.Warn("improve step failed, stopping judge loop", "iteration", i, "error", err)
			return
		}
		improved, err := tryParsePhase(models.SpecPhasePlan, improveOutput)
		if err != nil || improved.Plan == nil {
			slog.Warn("improve step produced unparseable plan, stopping judge loop", "iteration", i, "error", err)
			return
		}
		out.Plan = improved.Plan

		judgeOutput, err := r.spawnAndCollect(ctx, jobID, worktreePath, buildJudgePrompt(c, out.Spec, out.Plan))
		if err != nil {
			slog.Warn("judge step failed, stopping judge loop", "iteration", i, "error", err)
			return
		}
		verdict, err := tryParsePhase(models.SpecPhaseAnalyze, judgeOutput)
		if err != nil || verdict.Analysis == nil {
			slog.Warn("judge step produced unparseable verdict, stopping judge loop", "iteration", i, "error", err)
			return
		}
		out.Analysis = verdict.Analysis
		if verdict.Analysis.Passed {
			if err := r.store.AppendMessage(ctx, jobID, models.MessageTypeSystem, "Auto-improve succeeded"); err != nil {
				slog.Warn("append auto-improve success message failed", "error", err)
			}
			return
		}
	}
}

func (r *Runner) resolve(ctx context.Context, job *models.AgentJob) (*models.Feature, *models.Repository, error) {
	if job.FeatureID == nil {
		return nil, nil, fmt.Errorf("job has no feature_id")
	}
	if job.RepositoryID == nil {
		return nil, nil, fmt.Errorf("job has no repository_id")
	}
	feature, err := r.store.GetFeature(ctx, *job.FeatureID)
	if err != nil {
		return nil, nil, fmt.Errorf("get feature: %w", err)
	}
	repo, err := r.store.GetRepository(ctx, *job.RepositoryID)
	if err != nil {
		return nil, nil, fmt.Errorf("get repository: %w", err)
	}
	return feature, repo, nil
}

func (r *Runner) spawnAndCollect(ctx context.Context, jobID, worktreePath, prompt string) (string, error) {
	var lines []string
	handle, err := r.agent.Spawn(ctx, agent.SpawnParams{
		WorkDir:   worktreePath,
		Prompt:    prompt,
		ExtraArgs: []string{"--output-format", "text"},
		OnLine: func(line string, isStderr bool) {
			typ := models.MessageTypeStdout
			if isStderr {
				typ = models.MessageTypeStderr
			} else {
				lines = append(lines, line)
			}
			if err := r.store.AppendMessage(ctx, jobID, typ, line); err != nil {
				slog.Warn("append message failed", "job_id", jobID, "error", err)
			}
		},
	})
	if err != nil {
		return "", fmt.Errorf("spawn agent: %w", err)
	}
	if err := r.store.SetPID(ctx, jobID, handle.PID()); err != nil {
		slog.Warn("set pid failed", "job_id", jobID, "error", err)
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("agent wait: %w", err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("agent exited with code %d", result.ExitCode)
	}
	return strings.Join(lines, "\n"), nil
}

// parsePhaseOutput implements spec.md §4.6 steps 8-10: extract, JSON-fix,
// parse, one recovery round on failure.
func (r *Runner) parsePhaseOutput(ctx context.Context, jobID, worktreePath string, phase models.SpecPhase, output string) (*models.SpecOutput, error) {
	update, err := tryParsePhase(phase, output)
	if err == nil {
		return update, nil
	}

	recovered, spawnErr := r.spawnAndCollect(ctx, jobID, worktreePath, buildRecoveryPrompt(phase, output))
	if spawnErr != nil {
		return nil, fmt.Errorf("recovery round failed: %w (original parse error: %v)", spawnErr, err)
	}
	update, err = tryParsePhase(phase, recovered)
	if err != nil {
		truncated := likelyTruncated(recovered)
		return nil, fmt.Errorf("parse failed after recovery round (likely_truncated=%v): %w; tail: %s",
			truncated, err, tailForError(recovered, 2*1024))
	}
	return update, nil
}

func tryParsePhase(phase models.SpecPhase, output string) (*models.SpecOutput, error) {
	candidate, err := extractJSONCandidate(output)
	if err != nil {
		return nil, err
	}

	out := &models.SpecOutput{}
	switch phase {
	case models.SpecPhaseConstitution:
		var v struct {
			Constitution string `json:"constitution"`
		}
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Constitution = v.Constitution
	case models.SpecPhaseSpecify:
		var v struct {
			Spec *models.SpecSection `json:"spec"`
		}
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Spec = v.Spec
	case models.SpecPhaseClarify:
		var v struct {
			Clarifications []models.Clarification `json:"clarifications"`
		}
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Clarifications = v.Clarifications
	case models.SpecPhasePlan:
		var v struct {
			Plan *models.PlanSection `json:"plan"`
		}
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Plan = v.Plan
	case models.SpecPhaseAnalyze:
		var v models.AnalysisSection
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Analysis = &v
	case models.SpecPhaseTasks:
		var v struct {
			Tasks []models.TaskItem `json:"tasks"`
		}
		if err := parseJSON(candidate, &v); err != nil {
			return nil, err
		}
		out.Tasks = v.Tasks
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	return out, nil
}

func (r *Runner) fail(ctx context.Context, jobID, errMsg string) error {
	slog.Error("spec phase job failed", "job_id", jobID, "error", errMsg)
	return r.store.CompleteJob(ctx, jobID, store.JobCompletion{
		Status: models.JobStatusFailed,
		Error:  &errMsg,
	})
}

