package specphase_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/specphase"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
	testdb "github.com/agentpipe/conductor/test/database"
)

// setup wires a Runner against a real test-schema Postgres pool, a real
// local git origin, and a fake agent binary standing in for `claude` whose
// output is the given json payload wrapped in a ```json fence.
func setup(t *testing.T, agentOutput string) (*specphase.Runner, *store.Store, models.Client, models.Repository) {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")

	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()

	client, err := s.CreateClient(ctx, "acme-corp")
	require.NoError(t, err)

	origin := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = origin
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")

	repo, err := s.CreateRepository(ctx, models.Repository{
		ClientID:      client.ID,
		Owner:         "acme",
		Name:          "widgets",
		DefaultBranch: "main",
		URL:           origin,
	})
	require.NoError(t, err)

	base := t.TempDir()
	wtMgr := worktree.New(config.WorktreeConfig{
		ReposDir:     filepath.Join(base, "repos"),
		WorktreesDir: filepath.Join(base, "worktrees"),
	})
	script := fmt.Sprintf(`cat <<'EOF'
%s
EOF`, agentOutput)
	agentRunner := agent.New(config.AgentConfig{
		Binary:   "/bin/sh",
		BaseArgs: []string{"-c", script},
	})

	r := specphase.NewRunner(agentRunner, wtMgr, s, nil)
	return r, s, *client, *repo
}

// setupWithScript is like setup but lets the caller supply the fake agent's
// full shell script (and its environment) instead of a single fixed output,
// so a test can make the fake agent's response vary across successive
// spawns within the same job run (e.g. the judge+improve loop).
func setupWithScript(t *testing.T, script string, env map[string]string) (*specphase.Runner, *store.Store, models.Client, models.Repository) {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")

	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()

	client, err := s.CreateClient(ctx, "acme-corp")
	require.NoError(t, err)

	origin := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = origin
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")

	repo, err := s.CreateRepository(ctx, models.Repository{
		ClientID:      client.ID,
		Owner:         "acme",
		Name:          "widgets",
		DefaultBranch: "main",
		URL:           origin,
	})
	require.NoError(t, err)

	base := t.TempDir()
	wtMgr := worktree.New(config.WorktreeConfig{
		ReposDir:     filepath.Join(base, "repos"),
		WorktreesDir: filepath.Join(base, "worktrees"),
	})
	agentRunner := agent.New(config.AgentConfig{
		Binary:   "/bin/sh",
		BaseArgs: []string{"-c", script},
		Env:      env,
	})

	r := specphase.NewRunner(agentRunner, wtMgr, s, nil)
	return r, s, *client, *repo
}

func TestRunnerConstitutionPhaseEnqueuesSpecify(t *testing.T) {
	out := "```json\n{\"constitution\": \"use Go, test with testify\"}\n```"
	r, s, client, repo := setup(t, out)
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{ClientID: client.ID, Title: "widgets feature"})
	require.NoError(t, err)

	phase := models.SpecPhaseConstitution
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    "feature/spec-constitution",
		Title:         "constitution phase",
		JobType:       models.JobTypeSpec,
		TargetMachine: "test-machine",
		SpecPhase:     &phase,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	gotFeature, err := s.GetFeature(ctx, feature.ID)
	require.NoError(t, err)
	require.NotNil(t, gotFeature.SpecOutput)
	assert.Equal(t, "use Go, test with testify", gotFeature.SpecOutput.Constitution)
	assert.Equal(t, models.CompleteStage(models.SpecPhaseConstitution), gotFeature.WorkflowStageID)

	gotClient, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	require.NotNil(t, gotClient.ConstitutionText)
	assert.Equal(t, "use Go, test with testify", *gotClient.ConstitutionText)

	jobs, err := s.ListJobsByFeature(ctx, feature.ID)
	require.NoError(t, err)
	var sawSpecify bool
	for _, j := range jobs {
		if j.SpecPhase != nil && *j.SpecPhase == models.SpecPhaseSpecify {
			sawSpecify = true
		}
	}
	assert.True(t, sawSpecify, "expected a specify-phase job to be enqueued")
}

func TestRunnerClarifyGateBlocksWhenUnanswered(t *testing.T) {
	out := "```json\n{\"clarifications\": [{\"id\": \"q1\", \"question\": \"which database?\", \"context\": \"storage layer\"}]}\n```"
	r, s, client, repo := setup(t, out)
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{
		ClientID: client.ID,
		Title:    "widgets feature",
		SpecOutput: &models.SpecOutput{
			Constitution: "use Go",
			Spec: &models.SpecSection{
				Overview: "widgets",
			},
		},
	})
	require.NoError(t, err)

	phase := models.SpecPhaseClarify
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    "feature/spec-clarify",
		Title:         "clarify phase",
		JobType:       models.JobTypeSpec,
		TargetMachine: "test-machine",
		SpecPhase:     &phase,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	gotFeature, err := s.GetFeature(ctx, feature.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageClarifyWaiting, gotFeature.WorkflowStageID)
	require.Len(t, gotFeature.SpecOutput.Clarifications, 1)
	assert.Nil(t, gotFeature.SpecOutput.Clarifications[0].Response)

	jobs, err := s.ListJobsByFeature(ctx, feature.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.SpecPhase != nil {
			assert.NotEqual(t, models.SpecPhasePlan, *j.SpecPhase, "plan phase must not be enqueued while clarifications are unanswered")
		}
	}
}

func TestRunnerAnalyzeJudgeLoopKeepsFailedVerdict(t *testing.T) {
	// The fake agent always returns the same failing verdict. The judge
	// loop's improve re-spawn reuses the same script, so it gets that
	// verdict back instead of a plan; the loop logs it as an unparseable
	// plan and stops after its first improve step, leaving the initial
	// failing verdict in place (the fake binary can't distinguish call
	// order).
	out := "```json\n{\"passed\": false, \"issues\": [\"missing rollback plan\"], \"suggestions\": [\"add a migration rollback step\"]}\n```"
	r, s, client, repo := setup(t, out)
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{
		ClientID: client.ID,
		Title:    "widgets feature",
		SpecOutput: &models.SpecOutput{
			Constitution: "use Go",
			Spec:         &models.SpecSection{Overview: "widgets"},
			Plan:         &models.PlanSection{Architecture: "one service"},
		},
	})
	require.NoError(t, err)

	phase := models.SpecPhaseAnalyze
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    "feature/spec-analyze",
		Title:         "analyze phase",
		JobType:       models.JobTypeSpec,
		TargetMachine: "test-machine",
		SpecPhase:     &phase,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	gotFeature, err := s.GetFeature(ctx, feature.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageAnalyzeFailed, gotFeature.WorkflowStageID)
	require.NotNil(t, gotFeature.SpecOutput.Analysis)
	assert.False(t, gotFeature.SpecOutput.Analysis.Passed)
	assert.Contains(t, gotFeature.SpecOutput.Analysis.Issues, "missing rollback plan")
}

func TestRunnerAnalyzeJudgeLoopEmitsSuccessMessageOnceFixed(t *testing.T) {
	// The fake agent is driven by a counter file shared across every spawn in
	// this job run: the first call (initial analyze) fails, the second call
	// (improve) returns a revised plan, and the third call (re-judge) passes
	// -- exercising the judge loop's actual success path rather than the
	// always-fails path covered by TestRunnerAnalyzeJudgeLoopKeepsFailedVerdict.
	counterFile := filepath.Join(t.TempDir(), "counter")
	script := "n=$(cat \"$COUNTER_FILE\" 2>/dev/null || echo 0)\n" +
		"echo $((n+1)) > \"$COUNTER_FILE\"\n" +
		"case \"$n\" in\n" +
		"  0) out='{\"passed\": false, \"issues\": [\"missing rollback plan\"], \"suggestions\": [\"add a migration rollback step\"]}' ;;\n" +
		"  1) out='{\"plan\": {\"architecture\": \"one service, with rollback\"}}' ;;\n" +
		"  *) out='{\"passed\": true, \"issues\": [], \"suggestions\": []}' ;;\n" +
		"esac\n" +
		"printf '%s\\n' '```json'\n" +
		"printf '%s\\n' \"$out\"\n" +
		"printf '%s\\n' '```'\n"
	r, s, client, repo := setupWithScript(t, script, map[string]string{"COUNTER_FILE": counterFile})
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{
		ClientID: client.ID,
		Title:    "widgets feature",
		SpecOutput: &models.SpecOutput{
			Constitution: "use Go",
			Spec:         &models.SpecSection{Overview: "widgets"},
			Plan:         &models.PlanSection{Architecture: "one service"},
		},
	})
	require.NoError(t, err)

	phase := models.SpecPhaseAnalyze
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    "feature/spec-analyze-improves",
		Title:         "analyze phase",
		JobType:       models.JobTypeSpec,
		TargetMachine: "test-machine",
		SpecPhase:     &phase,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	gotFeature, err := s.GetFeature(ctx, feature.ID)
	require.NoError(t, err)
	require.NotNil(t, gotFeature.SpecOutput.Analysis)
	assert.True(t, gotFeature.SpecOutput.Analysis.Passed, "judge loop must pass once the improved plan is judged")

	messages, err := s.ListMessages(ctx, job.ID, "", 0)
	require.NoError(t, err)
	var sawSuccessMessage bool
	for _, m := range messages {
		if m.Content == "Auto-improve succeeded" {
			sawSuccessMessage = true
		}
	}
	assert.True(t, sawSuccessMessage, "expected an 'Auto-improve succeeded' message after the judge loop passes")
}

func TestRunnerFailsAfterOneRecoveryRound(t *testing.T) {
	// Not valid JSON on the first call and the recovery round reuses the
	// same fake script, so recovery also fails — this exercises "recovery
	// round attempted once, then job fails" rather than a successful
	// recovery.
	r, s, client, repo := setup(t, "this is not json at all")
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{ClientID: client.ID, Title: "widgets feature"})
	require.NoError(t, err)

	phase := models.SpecPhaseConstitution
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		BranchName:    "feature/spec-unparseable",
		Title:         "constitution phase",
		JobType:       models.JobTypeSpec,
		TargetMachine: "test-machine",
		SpecPhase:     &phase,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
}
