package ralph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/ralph"
)

// withFakeGh puts a stub `gh` script ahead of the real PATH that prints a
// fixed PR URL, standing in for the real `gh` CLI so CreatePullRequest can
// be exercised without network access.
func withFakeGh(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\necho https://github.com/acme/widgets/pull/42\n"
	path := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

// prdAgentScript marks every story in prd.json as passing and commits once,
// standing in for an agent that finishes all stories on its first
// iteration.
const prdAgentScript = `
cat > prd.json <<'EOF'
{"title":"widget PRD","description":"ship widgets","stories":[
  {"id":1,"title":"add widget model","description":"d1","acceptanceCriteria":[],"passes":true},
  {"id":2,"title":"add widget API","description":"d2","acceptanceCriteria":[],"passes":true}
]}
EOF
git add -A
git commit -m "feat(story-1): add widget model" --allow-empty >/dev/null
git commit -m "feat(story-2): add widget API" --allow-empty >/dev/null
exit 0
`

func TestPRDRunnerCompletesAllStories(t *testing.T) {
	withFakeGh(t)
	a, w, s, client, repo := setup(t, prdAgentScript)
	ctx := context.Background()

	feature, err := s.CreateFeature(ctx, models.Feature{
		ClientID: client.ID,
		Title:    "widgets feature",
	})
	require.NoError(t, err)
	_, err = s.SyncTodos(ctx, feature.ID, []string{"add widget model", "add widget API"})
	require.NoError(t, err)

	prd := &models.PRD{
		Title:       "widget PRD",
		Description: "ship widgets",
		Stories: []models.Story{
			{ID: 1, Title: "add widget model", Description: "d1"},
			{ID: 2, Title: "add widget API", Description: "d2"},
		},
	}

	maxIter := 4
	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "implement the PRD",
		BranchName:    "feature/ralph-prd",
		Title:         "ralph-PRD job",
		JobType:       models.JobTypeRalph,
		TargetMachine: "test-machine",
		MaxIterations: &maxIter,
		PRDMode:       true,
		PRD:           prd,
	})
	require.NoError(t, err)

	r := ralph.NewPRDRunner(a, w, s)
	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, models.CompletionReasonAllStoriesComplete, *got.CompletionReason)
	require.NotNil(t, got.PRD)
	assert.ElementsMatch(t, []int{1, 2}, got.PRD.PassingStoryIDs())

	todos, err := s.ListTodos(ctx, feature.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	for _, td := range todos {
		assert.Equal(t, models.TodoStatusDone, td.Status)
	}

	gotFeature, err := s.GetFeature(ctx, feature.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageReadyForReview, gotFeature.WorkflowStageID)
}

func TestPRDRunnerFailsWithoutPRD(t *testing.T) {
	a, w, s, client, repo := setup(t, "exit 0")
	ctx := context.Background()

	job, err := s.CreateJob(ctx, models.AgentJob{
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Prompt:        "implement the PRD",
		BranchName:    "feature/ralph-prd-missing",
		Title:         "ralph-PRD job missing prd",
		JobType:       models.JobTypeRalph,
		TargetMachine: "test-machine",
		PRDMode:       true,
	})
	require.NoError(t, err)

	r := ralph.NewPRDRunner(a, w, s)
	require.NoError(t, r.Run(ctx, *job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}
