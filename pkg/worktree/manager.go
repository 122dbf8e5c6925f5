// Package worktree manages the per-job git checkouts the agent subprocess
// runs against: a bare mirror clone per repository, and a disposable
// worktree per job carved out of that mirror (spec.md §6.5). Grounded on
// agentium's internal/controller/draft_pr.go and init.go for the git/gh CLI
// invocation shape (exec.CommandContext, CombinedOutput error wrapping,
// GITHUB_TOKEN passed via process env).
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/models"
)

// Manager creates and tears down git worktrees under the configured
// repos/worktrees directories.
type Manager struct {
	cfg config.WorktreeConfig
}

// New creates a Manager from the worktree section of the process
// configuration.
func New(cfg config.WorktreeConfig) *Manager {
	return &Manager{cfg: cfg}
}

// mirrorPath returns the bare-mirror path for a repository:
// $REPOS_DIR/{owner}__{repo}.git (spec.md §6.5).
func (m *Manager) mirrorPath(repo models.Repository) string {
	return filepath.Join(m.cfg.ReposDir, fmt.Sprintf("%s__%s.git", repo.Owner, repo.Name))
}

// EnsureMirror clones repo as a bare mirror if it doesn't exist locally yet,
// or fetches the latest refs if it does. Returns the mirror path.
func (m *Manager) EnsureMirror(ctx context.Context, repo models.Repository) (string, error) {
	if err := os.MkdirAll(m.cfg.ReposDir, 0o755); err != nil {
		return "", fmt.Errorf("create repos dir: %w", err)
	}

	mirror := m.mirrorPath(repo)
	if _, err := os.Stat(mirror); err == nil {
		cmd := m.gitCommand(ctx, mirror, "fetch", "--prune", "origin")
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("fetch mirror: %w (output: %s)", err, out)
		}
		return mirror, nil
	}

	cloneURL := repo.URL
	if cloneURL == "" {
		cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, repo.Name)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", cloneURL, mirror)
	cmd.Env = m.gitEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("clone mirror: %w (output: %s)", err, out)
	}
	return mirror, nil
}

// CreateWorktree checks out branchName into $WORKTREES_DIR/<branch-slug>,
// carved out of repo's bare mirror. If branchName doesn't exist yet, it is
// created from the repository's default branch.
func (m *Manager) CreateWorktree(ctx context.Context, repo models.Repository, branchName string) (string, error) {
	mirror, err := m.EnsureMirror(ctx, repo)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.cfg.WorktreesDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}
	worktreePath := filepath.Join(m.cfg.WorktreesDir, Slugify(branchName))

	args := []string{"worktree", "add"}
	if m.branchExists(ctx, mirror, branchName) {
		args = append(args, worktreePath, branchName)
	} else {
		args = append(args, "-b", branchName, worktreePath, "origin/"+repo.DefaultBranch)
	}

	cmd := m.gitCommand(ctx, mirror, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %w (output: %s)", err, out)
	}
	return worktreePath, nil
}

// RemoveWorktree removes a job's worktree directory and its git metadata
// from the mirror.
func (m *Manager) RemoveWorktree(ctx context.Context, repo models.Repository, worktreePath string) error {
	mirror := m.mirrorPath(repo)
	cmd := m.gitCommand(ctx, mirror, "worktree", "remove", "--force", worktreePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w (output: %s)", err, out)
	}
	return nil
}

// Commit stages every change in worktreePath and commits with message. A
// clean tree (nothing to commit) is not an error — the caller checks
// HasChanges first if it needs to distinguish.
func (m *Manager) Commit(ctx context.Context, worktreePath, message string) error {
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = worktreePath
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w (output: %s)", err, out)
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = worktreePath
	if out, err := commit.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w (output: %s)", err, out)
	}
	return nil
}

// HasChanges reports whether worktreePath has uncommitted changes.
func (m *Manager) HasChanges(ctx context.Context, worktreePath string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// HeadCommit returns the current HEAD commit SHA of worktreePath.
func (m *Manager) HeadCommit(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Push pushes branchName from worktreePath to origin, setting up tracking.
func (m *Manager) Push(ctx context.Context, worktreePath, branchName string) error {
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branchName)
	cmd.Dir = worktreePath
	cmd.Env = m.gitEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push: %w (output: %s)", err, out)
	}
	return nil
}

// FindCommitByGrep returns the SHA of the most recent commit whose message
// matches pattern, or "" if none matches (spec.md §4.5 step 2 — locating
// the commit a ralph-PRD story produced via `git log --oneline -1
// --grep=…`).
func (m *Manager) FindCommitByGrep(ctx context.Context, worktreePath, pattern string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%H", "--grep="+pattern)
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git log --grep: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitSince returns the SHA of the most recent commit after sinceSHA, or
// "" if there is none — the fallback when FindCommitByGrep finds nothing
// (spec.md §4.5 step 2).
func (m *Manager) CommitSince(ctx context.Context, worktreePath, sinceSHA string) (string, error) {
	rangeSpec := "HEAD"
	if sinceSHA != "" {
		rangeSpec = sinceSHA + "..HEAD"
	}
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%H", rangeSpec)
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git log since: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) branchExists(ctx context.Context, mirror, branchName string) bool {
	cmd := m.gitCommand(ctx, mirror, "rev-parse", "--verify", "refs/heads/"+branchName)
	return cmd.Run() == nil
}

func (m *Manager) gitCommand(ctx context.Context, gitDir string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"--git-dir", gitDir}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = m.gitEnv()
	return cmd
}

// gitEnv inherits the process environment and overlays GITHUB_TOKEN from
// the configured env var name, matching the teacher's pattern of passing
// the token through to git/gh subprocesses via cmd.Env
// (draft_pr.go maybeCreateDraftPR).
func (m *Manager) gitEnv() []string {
	env := os.Environ()
	if name := m.cfg.GitHubTokenEnv; name != "" {
		if token := os.Getenv(name); token != "" {
			env = append(env, "GITHUB_TOKEN="+token)
		}
	}
	return env
}

var slugInvalid = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Slugify turns a branch name into a filesystem-safe directory name.
func Slugify(branchName string) string {
	s := slugInvalid.ReplaceAllString(branchName, "-")
	return strings.Trim(s, "-")
}
