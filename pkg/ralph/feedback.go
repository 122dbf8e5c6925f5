package ralph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentpipe/conductor/pkg/models"
)

// feedbackTimeout bounds a single feedback command (spec.md §4.4 step 6:
// "default 120 s").
const feedbackTimeout = 120 * time.Second

// maxFeedbackOutputBytes caps how much of a feedback command's stdout/
// stderr is captured (spec.md §4.4 step 6: "first 5 KB").
const maxFeedbackOutputBytes = 5 * 1024

// runFeedbackCommands runs each command as a shell command in worktreePath,
// capturing exit code and capped stdout/stderr (spec.md §4.4 step 6).
func runFeedbackCommands(ctx context.Context, worktreePath string, commands []string) []models.FeedbackResult {
	results := make([]models.FeedbackResult, 0, len(commands))
	for _, c := range commands {
		results = append(results, runFeedbackCommand(ctx, worktreePath, c))
	}
	return results
}

func runFeedbackCommand(ctx context.Context, worktreePath, command string) models.FeedbackResult {
	cmdCtx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = worktreePath
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return models.FeedbackResult{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   capBytes(stdout.String(), maxFeedbackOutputBytes),
		Stderr:   capBytes(stderr.String(), maxFeedbackOutputBytes),
		Passed:   exitCode == 0,
	}
}

func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// formatFeedbackResults renders the pass/fail lines appended to the
// progress file under "Feedback Results (Iteration i)" (spec.md §4.4 step
// 6).
func formatFeedbackResults(results []models.FeedbackResult) string {
	var b strings.Builder
	for _, r := range results {
		status := "FAIL"
		if r.Passed {
			status = "PASS"
		}
		fmt.Fprintf(&b, "- [%s] `%s` (exit %d)\n", status, r.Command, r.ExitCode)
	}
	return b.String()
}
