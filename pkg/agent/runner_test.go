package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/agent"
	"github.com/agentpipe/conductor/pkg/config"
)

// shRunner builds a Runner that executes /bin/sh -c "<script>" as its
// subprocess, standing in for the real agent binary in tests — the same
// substitution agentium's docker_test.go makes for the docker executable.
func shRunner(script string) *agent.Runner {
	return agent.New(config.AgentConfig{
		Binary:        "/bin/sh",
		BaseArgs:      []string{"-c", script},
		ShutdownGrace: 200 * time.Millisecond,
	})
}

func TestSpawnParsesStreamJSONEvents(t *testing.T) {
	script := `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}'; ` +
		`echo '{"type":"result","result":{"stop_reason":"end_turn"}}'`
	r := shRunner(script)

	var events []agent.StreamEvent
	h, err := r.Spawn(context.Background(), agent.SpawnParams{
		OnEvent: func(e agent.StreamEvent) { events = append(events, e) },
	})
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, events, 2)
	assert.Equal(t, agent.EventAssistant, events[0].Type)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, agent.EventResult, events[1].Type)
	assert.Equal(t, "end_turn", events[1].StopReason)
}

func TestSpawnCapturesNonZeroExitCode(t *testing.T) {
	r := shRunner("exit 3")

	h, err := r.Spawn(context.Background(), agent.SpawnParams{})
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestSpawnWritesPromptToStdin(t *testing.T) {
	r := shRunner(`read line; echo "got: $line"`)

	var lines []string
	h, err := r.Spawn(context.Background(), agent.SpawnParams{
		Prompt: "do the thing\n",
		OnLine: func(line string, isStderr bool) {
			if !isStderr {
				lines = append(lines, line)
			}
		},
	})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, lines, "got: do the thing")
}

func TestTerminateKillsLongRunningProcess(t *testing.T) {
	r := shRunner("trap '' TERM; while :; do :; done")

	h, err := r.Spawn(context.Background(), agent.SpawnParams{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Terminate(100*time.Millisecond))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Second)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}
