package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeBranchTitleTruncatesAndSlugifies(t *testing.T) {
	assert.Equal(t, "add-a-readme", sanitizeBranchTitle("Add a README!!"))
	assert.Equal(t, "untitled", sanitizeBranchTitle(""))
	assert.Equal(t, "untitled", sanitizeBranchTitle("***"))

	long := strings.Repeat("a", 80)
	got := sanitizeBranchTitle(long)
	assert.LessOrEqual(t, len(got), 50)
}

func TestGenerateBranchNameUsesFeatureTypePrefix(t *testing.T) {
	bug := "bug"
	assert.Equal(t, "fix/crash-on-login", generateBranchName(&bug, "Crash on login"))

	unknown := "mystery"
	assert.Equal(t, "chore/thing", generateBranchName(&unknown, "Thing"))

	assert.Equal(t, "chore/thing", generateBranchName(nil, "Thing"))
}
