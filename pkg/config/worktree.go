package config

// WorktreeConfig configures the on-disk layout the worktree manager uses to
// mirror tenant repositories and check out per-job working trees
// (spec.md §4.10, §6.5).
type WorktreeConfig struct {
	// ReposDir holds one bare mirror clone per repository, named
	// "<owner>__<name>.git".
	ReposDir string `yaml:"repos_dir"`

	// WorktreesDir holds one working tree per job, named after the slugified
	// branch name.
	WorktreesDir string `yaml:"worktrees_dir"`

	// AttachmentsDir holds screenshots collected from cosmetic-feature jobs.
	AttachmentsDir string `yaml:"attachments_dir"`

	// GitHubTokenEnv names the environment variable holding the token used
	// for git push and the gh CLI.
	GitHubTokenEnv string `yaml:"github_token_env"`
}

// DefaultWorktreeConfig returns the built-in worktree manager defaults.
func DefaultWorktreeConfig() *WorktreeConfig {
	return &WorktreeConfig{
		ReposDir:       "/var/lib/conductor/repos",
		WorktreesDir:   "/var/lib/conductor/worktrees",
		AttachmentsDir: "/var/lib/conductor/attachments",
		GitHubTokenEnv: "GITHUB_TOKEN",
	}
}
