package api

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentpipe/conductor/pkg/database"
)

// healthHandler handles GET /health: database, queue, agent-subprocess
// auth, and git binary availability (spec.md §6.1, §6.3).
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"

	if _, err := database.Health(reqCtx, s.store.Pool()); err != nil {
		status = "unhealthy"
	}

	queueHealth := QueueHealth{}
	if qs, err := s.queue.Status(reqCtx); err == nil {
		queueHealth = QueueHealth{
			Running:       len(qs.Running),
			Queued:        len(qs.Queued),
			MaxConcurrent: qs.MaxConcurrent,
		}
	} else if status == "healthy" {
		status = "degraded"
	}

	claude := checkClaudeHealth(reqCtx, s.cfg.Agent.Binary)
	if !claude.Authenticated && status == "healthy" {
		status = "degraded"
	}

	git := checkGitHealth(reqCtx)
	if !git.Available && status == "healthy" {
		status = "degraded"
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status: status,
		Queue:  queueHealth,
		Claude: claude,
		Git:    git,
	})
}

// checkClaudeHealth runs "<binary> --version" and infers login type from
// the environment / on-disk credential files, per spec.md §6.3.
func checkClaudeHealth(ctx context.Context, binary string) ClaudeHealth {
	if binary == "" {
		binary = "claude"
	}
	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return ClaudeHealth{Authenticated: false, Error: strings.TrimSpace(string(out))}
	}

	loginType := "unknown"
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		loginType = "api_key"
	} else if home, hErr := os.UserHomeDir(); hErr == nil {
		for _, name := range []string{"settings.json", "auth.json"} {
			if _, statErr := os.Stat(filepath.Join(home, ".claude", name)); statErr == nil {
				loginType = "subscription"
				break
			}
		}
	}

	return ClaudeHealth{
		Authenticated: true,
		LoginType:     loginType,
		Version:       strings.TrimSpace(string(out)),
	}
}

func checkGitHealth(ctx context.Context) GitHealth {
	out, err := exec.CommandContext(ctx, "git", "--version").CombinedOutput()
	if err != nil {
		return GitHealth{Available: false, Error: strings.TrimSpace(string(out))}
	}
	return GitHealth{Available: true, Version: strings.TrimSpace(string(out))}
}
