package ralph_test

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
	"github.com/agentpipe/conductor/pkg/ralph"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
	testdb "github.com/agentpipe/conductor/test/database"
)

func newLocalOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

// setup wires a LoopRunner/PRDRunner against a real test-schema Postgres
// pool, a real local git origin, and a fake agent binary standing in for
// `claude` so the iteration loop exercises its full control flow without
// the real agent CLI or a `gh` install.
func setup(t *testing.T, agentScript string) (*agent.Runner, *worktree.Manager, *store.Store, models.Client, models.Repository) {
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

	origin := newLocalOriginRepo(t)
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
		BaseArgs: []string{"-c", agentScript},
	})

	return agentRunner, wtMgr, s, *client, *repo
}

// writeChangeScript produces a script that mutates worktreePath's working
// tree so the iteration has something to commit, then exits 0.
func writeChangeScript(marker string) string {
	return fmt.Sprintf(`echo %q >> marker.txt; exit 0`, marker)
}

func TestLoopRunnerStopsOnPromiseSentinel(t *testing.T) {
	a, w, s, client, repo := setup(t, `echo "work done"; echo RALPH_COMPLETE; exit 0`)
	ctx := context.Background()

	maxIter := 5
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "fix the bug",
		BranchName:    "feature/ralph-loop",
		Title:         "ralph loop job",
		JobType:       models.JobTypeRalph,
		TargetMachine: "test-machine",
		MaxIterations: &maxIter,
	})
	require.NoError(t, err)

	r := ralph.NewLoopRunner(a, w, s)
	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, models.CompletionReasonPromiseDetected, *got.CompletionReason)
	assert.Equal(t, 1, got.CurrentIteration)

	iters, err := s.ListIterations(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.True(t, iters[0].PromiseDetected)
}

func TestLoopRunnerStopsAtMaxIterations(t *testing.T) {
	a, w, s, client, repo := setup(t, `echo "still working"; exit 0`)
	ctx := context.Background()

	maxIter := 3
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "keep trying",
		BranchName:    "feature/ralph-maxiter",
		Title:         "ralph max-iteration job",
		JobType:       models.JobTypeRalph,
		TargetMachine: "test-machine",
		MaxIterations: &maxIter,
	})
	require.NoError(t, err)

	r := ralph.NewLoopRunner(a, w, s)
	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, models.CompletionReasonMaxIterations, *got.CompletionReason)

	iters, err := s.ListIterations(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, iters, 3)
}
