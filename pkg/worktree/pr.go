package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentpipe/conductor/pkg/models"
)

// CreatePullRequest opens a PR for branchName against repo via the `gh` CLI,
// grounded on agentium's maybeCreateDraftPR (internal/controller/draft_pr.go).
// Conductor always creates ready (non-draft) PRs — ralph-PRD review comments
// and feedback loops happen on the PR itself, not a separate draft step.
func (m *Manager) CreatePullRequest(ctx context.Context, worktreePath string, repo models.Repository, branchName, title, body string) (number int, url string, err error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", branchName,
		"--repo", repo.FullName(),
	)
	cmd.Dir = worktreePath
	cmd.Env = m.gitEnv()

	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, "", fmt.Errorf("gh pr create: %w (output: %s)", err, out)
	}

	number, url = parsePRCreateOutput(string(out))
	if number == 0 {
		return 0, "", fmt.Errorf("gh pr create: could not parse PR number from output: %s", out)
	}
	return number, url, nil
}

// ListChangedFiles returns the files touched on branchName relative to
// repo's default branch, for AgentJob.FilesChanged / CodePullRequest.FilesChanged.
func (m *Manager) ListChangedFiles(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "origin/"+baseBranch+"...HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only: %w", err)
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^/]+/[^/]+/pull/(\d+)`)

// parsePRCreateOutput extracts the PR number and URL from gh pr create's
// stdout, which is the PR URL on success (draft_pr.go parsePRCreateOutput).
func parsePRCreateOutput(output string) (number int, url string) {
	output = strings.TrimSpace(output)
	matches := prURLPattern.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0, output
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, matches[0]
	}
	return n, matches[0]
}
