package specphase

import (
	"context"
	"log/slog"
)

// MemoryRecaller looks up relevant prior context for a feature before a
// phase runs (spec.md §4.6 step 4: "opaque external service; best-effort").
// Conductor core never interprets what comes back — it's inlined into the
// prompt as-is, same as the agent subprocess's output is never interpreted.
type MemoryRecaller interface {
	Recall(ctx context.Context, clientID, featureID, query string) (string, error)
}

// NoMemory is the default MemoryRecaller: no external memory service is
// configured, so every recall is a no-op. Distinct from a failing recall —
// both resolve to an empty string, but this path never logs.
type NoMemory struct{}

// Recall always returns an empty string.
func (NoMemory) Recall(ctx context.Context, clientID, featureID, query string) (string, error) {
	return "", nil
}

// recallMemory calls r.Recall and swallows any error, per spec.md §4.6 step
// 4 ("failures are logged and swallowed").
func recallMemory(ctx context.Context, r MemoryRecaller, clientID, featureID, query string) string {
	if r == nil {
		return ""
	}
	text, err := r.Recall(ctx, clientID, featureID, query)
	if err != nil {
		slog.Warn("memory recall failed", "feature_id", featureID, "error", err)
		return ""
	}
	return text
}
