package worktree_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/worktree"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
}

func TestCollectScreenshotsFindsImagesUnderBothDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test-results", "a.png"))
	writeFile(t, filepath.Join(dir, "test-results", "nested", "b.jpg"))
	writeFile(t, filepath.Join(dir, "playwright-report", "c.jpeg"))
	writeFile(t, filepath.Join(dir, "test-results", "notes.txt"))

	shots, err := worktree.CollectScreenshots(dir)
	require.NoError(t, err)
	assert.Len(t, shots, 3)
}

func TestCollectScreenshotsSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.png")
	writeFile(t, outside)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "test-results"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "test-results", "link.png")))

	shots, err := worktree.CollectScreenshots(dir)
	require.NoError(t, err)
	assert.Empty(t, shots)
}

func TestCollectScreenshotsCapsAtTwenty(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 30; i++ {
		writeFile(t, filepath.Join(dir, "test-results", fmt.Sprintf("%02d.png", i)))
	}

	shots, err := worktree.CollectScreenshots(dir)
	require.NoError(t, err)
	assert.Len(t, shots, 20)
}

func TestCollectScreenshotsToleratesMissingDirs(t *testing.T) {
	dir := t.TempDir()

	shots, err := worktree.CollectScreenshots(dir)
	require.NoError(t, err)
	assert.Empty(t, shots)
}

func TestSlugifyStripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "feature-add-login", worktree.Slugify("feature/add login"))
}
