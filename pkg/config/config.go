// Package config loads and validates the orchestrator's configuration:
// database connection, HTTP server, queue admission tuning, the agent
// subprocess, worktree paths, and scheduler defaults.
package config

import "fmt"

// Config is the umbrella configuration object returned by Load and used
// throughout cmd/conductor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Agent     AgentConfig     `yaml:"agent"`
	Worktree  WorktreeConfig  `yaml:"worktree"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig configures the HTTP listener and bearer-token auth.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`

	// TargetMachine is this process's identity in the agent_jobs.target_machine
	// column: the queue controller only claims rows stamped with this value,
	// and jobs created over HTTP are stamped with it too. Defaults to the
	// host's hostname when unset (see DefaultServerConfig).
	TargetMachine string `yaml:"target_machine"`
}

// DatabaseConfig configures the Postgres connection pool (spec.md §6.2).
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DSN builds a pgx-compatible connection string, mirroring the teacher's
// pkg/database.Config.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}
