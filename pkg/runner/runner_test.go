package runner_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/runner"
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

// setup wires a Runner against a real test-schema Postgres pool, a real
// local git origin, and a fake agent binary (a shell script standing in for
// `claude`) so runCode/runTask exercise their full control flow without
// needing the actual agent CLI or a `gh` install.
func setup(t *testing.T, agentScript string) (*runner.Runner, *store.Store, models.Client, models.Repository) {
	t.Helper()
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

	return runner.New(agentRunner, wtMgr, s), s, *client, *repo
}

func TestRunCodeCompletesWithoutPRWhenNoChanges(t *testing.T) {
	r, s, client, repo := setup(t, "exit 0")
	ctx := context.Background()

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "do nothing",
		BranchName:    "feature/no-op",
		Title:         "no-op job",
		JobType:       models.JobTypeCode,
		TargetMachine: "test-machine",
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "No changes were made", *got.Error)
	assert.Nil(t, got.PRURL)
}

func TestRunCodeFailsOnNonZeroExit(t *testing.T) {
	r, s, client, repo := setup(t, "echo boom 1>&2; exit 7")
	ctx := context.Background()

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "do something",
		BranchName:    "feature/will-fail",
		Title:         "failing job",
		JobType:       models.JobTypeCode,
		TargetMachine: "test-machine",
	})
	require.NoError(t, err)

	require.Error(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "7")
}

func TestRunTaskCompletesWithoutGitMutation(t *testing.T) {
	r, s, client, repo := setup(t, "exit 0")
	ctx := context.Background()

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "help me explore this repo",
		BranchName:    "feature/chat",
		Title:         "interactive job",
		JobType:       models.JobTypeTask,
		TargetMachine: "test-machine",
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Nil(t, got.PRURL)
}
