// Command conductor runs the agent-job orchestrator: HTTP API, queue
// admission loop, and every job-type runner (code, task, ralph, ralph-PRD,
// spec phase), wired around one Postgres-backed store (spec.md §6.2).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/api"
	"github.com/agentpipe/conductor/pkg/config"
	"github.com/agentpipe/conductor/pkg/database"
	"github.com/agentpipe/conductor/pkg/dispatcher"
	"github.com/agentpipe/conductor/pkg/mcp"
	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/queue"
	"github.com/agentpipe/conductor/pkg/ralph"
	"github.com/agentpipe/conductor/pkg/runner"
	"github.com/agentpipe/conductor/pkg/scheduler"
	"github.com/agentpipe/conductor/pkg/specphase"
	"github.com/agentpipe/conductor/pkg/store"
	"github.com/agentpipe/conductor/pkg/worktree"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, filepath.Join(*configDir, "conductor.yaml"))
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to database", "database", cfg.Database.Database)

	st := store.New(pool)
	ag := agent.New(cfg.Agent)
	wt := worktree.New(cfg.Worktree)
	sch := scheduler.New()

	d := dispatcher.New()
	rn := runner.New(ag, wt, st)
	d.Register(models.JobTypeCode, dispatcher.RunnerFunc(rn.Run))
	d.Register(models.JobTypeTask, dispatcher.RunnerFunc(rn.Run))
	d.RegisterRalph(false, dispatcher.RunnerFunc(ralph.NewLoopRunner(ag, wt, st).Run))
	d.RegisterRalph(true, dispatcher.RunnerFunc(ralph.NewPRDRunner(ag, wt, st).Run))
	d.Register(models.JobTypeSpec, dispatcher.RunnerFunc(specphase.NewRunner(ag, wt, st, specphase.NoMemory{}).Run))

	qc := queue.NewController(cfg.Server.TargetMachine, st, d, cfg.Queue)
	if err := qc.Init(ctx); err != nil {
		slog.Error("failed to recover orphaned jobs on startup", "error", err)
		os.Exit(1)
	}

	queueCtx, cancelQueue := context.WithCancel(ctx)
	go qc.Run(queueCtx)

	srv := api.NewServer(cfg, st, qc, rn, wt, sch)
	mcp.NewServer(cfg, st, qc, sch).RegisterRoutes(srv.MCPGroup())

	serverErrs := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErrs:
		slog.Error("http server failed", "error", err)
	}

	cancelQueue()
	qc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
}
