package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk conductor.yaml layout. Every section is a
// pointer so the loader can tell "absent" from "present but zero" and merge
// it onto the built-in defaults with mergo.
type yamlConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Database  *DatabaseConfig  `yaml:"database"`
	Queue     *QueueConfig     `yaml:"queue"`
	Agent     *AgentConfig     `yaml:"agent"`
	Worktree  *WorktreeConfig  `yaml:"worktree"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point used by cmd/conductor.
//
// Steps performed:
//  1. Read conductor.yaml from path
//  2. Expand environment variables
//  3. Parse YAML into a yamlConfig
//  4. Merge user-provided sections onto built-in defaults
//  5. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("loading configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded",
		"server_addr", cfg.Server.Addr,
		"max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs,
		"agent_binary", cfg.Agent.Binary)

	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var user yamlConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	server := DefaultServerConfig()
	if user.Server != nil {
		if err := mergo.Merge(server, user.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	database := DefaultDatabaseConfig()
	if user.Database != nil {
		if err := mergo.Merge(database, user.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}

	queue := DefaultQueueConfig()
	if user.Queue != nil {
		if err := mergo.Merge(queue, user.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	agent := DefaultAgentConfig()
	if user.Agent != nil {
		if err := mergo.Merge(agent, user.Agent, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("failed to merge agent config: %w", err)
		}
	}

	worktree := DefaultWorktreeConfig()
	if user.Worktree != nil {
		if err := mergo.Merge(worktree, user.Worktree, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge worktree config: %w", err)
		}
	}

	scheduler := DefaultSchedulerConfig()
	if user.Scheduler != nil {
		if err := mergo.Merge(scheduler, user.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
	}

	return &Config{
		Server:    *server,
		Database:  *database,
		Queue:     *queue,
		Agent:     *agent,
		Worktree:  *worktree,
		Scheduler: *scheduler,
	}, nil
}

func validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	return v.ValidateAll()
}
