package config

import "time"

// AgentConfig configures how the core spawns the coding-agent subprocess
// (spec.md §6.3), grounded on the container run parameters the reference
// subprocess runner builds before invoking its agent binary.
type AgentConfig struct {
	// Binary is the executable invoked for every job (e.g. "claude").
	// Overridable per-job is not supported; one binary serves the whole
	// deployment.
	Binary string `yaml:"binary"`

	// BaseArgs are flags appended to every invocation before job-specific
	// arguments (e.g. "--print", "--output-format", "stream-json").
	BaseArgs []string `yaml:"base_args"`

	// Env is additional environment variables merged into the subprocess's
	// environment on top of the parent process's own env.
	Env map[string]string `yaml:"env"`

	// IterationTimeout is loaded and defaulted, but no runner reads it:
	// ralph and spec-phase agent runs have no per-iteration time bound.
	IterationTimeout time.Duration `yaml:"iteration_timeout"`

	// ShutdownGrace is how long the runner waits after SIGTERM before
	// escalating to SIGKILL when a job is cancelled.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultAgentConfig returns the built-in agent runner defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Binary:           "claude",
		BaseArgs:         []string{"--print", "--output-format", "stream-json", "--verbose"},
		Env:              map[string]string{},
		IterationTimeout: 20 * time.Minute,
		ShutdownGrace:    5 * time.Second,
	}
}
