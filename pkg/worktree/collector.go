package worktree

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// screenshotDirs are searched (recursively) within a job's worktree for
// cosmetic-feature-typed jobs (spec.md §6.5).
var screenshotDirs = []string{"test-results", "playwright-report"}

// screenshotExtensions are the file extensions collected as screenshots.
var screenshotExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// maxScreenshots caps how many screenshots a single job contributes
// (spec.md §6.5).
const maxScreenshots = 20

// CollectScreenshots walks test-results/ and playwright-report/ under
// worktreePath and returns up to maxScreenshots image paths, relative to
// worktreePath. Symbolic links are skipped rather than followed, so a
// screenshot directory cannot escape the worktree.
func CollectScreenshots(worktreePath string) ([]string, error) {
	var found []string

	for _, dir := range screenshotDirs {
		if len(found) >= maxScreenshots {
			break
		}
		root := filepath.Join(worktreePath, dir)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if len(found) >= maxScreenshots {
				return filepath.SkipAll
			}
			if d.Type()&fs.ModeSymlink != 0 {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !screenshotExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			rel, err := filepath.Rel(worktreePath, path)
			if err != nil {
				return nil
			}
			found = append(found, rel)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return found, nil
}
