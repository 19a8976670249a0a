package gitctx_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/anchord/internal/gitctx"
)

func TestCommitDiff(t *testing.T) {
	repo := setupGitRepo(t)
	g := gitctx.NewRunner()

	writeFile(t, repo, "README.md", "# Test Repo\nsecond line\n")
	writeFile(t, repo, "added.txt", "new\n")
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-m", "change things")

	sha, err := g.Run(context.Background(), repo, "rev-parse", "HEAD")
	require.NoError(t, err)

	changes, err := g.CommitDiff(context.Background(), repo, strings.TrimSpace(sha))
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byPath := map[string]gitctx.ChangeDiff{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, "A", byPath["added.txt"].Status)
	assert.Contains(t, byPath["added.txt"].Diff, "+new")
	assert.Equal(t, "M", byPath["README.md"].Status)
	assert.Contains(t, byPath["README.md"].Diff, "+second line")
}

func TestCommitDiff_RejectsOptionLikeRevision(t *testing.T) {
	repo := setupGitRepo(t)
	g := gitctx.NewRunner()

	_, err := g.CommitDiff(context.Background(), repo, "--output=/tmp/x")
	assert.Error(t, err)
	_, err = g.CommitDiff(context.Background(), repo, "  ")
	assert.Error(t, err)
	_, err = g.CommitDiff(context.Background(), repo, "deadbeef")
	assert.Error(t, err)
}

func TestSplitChanges_Kinds(t *testing.T) {
	out := "diff --git a/gone.txt b/gone.txt\n" +
		"deleted file mode 100644\n" +
		"index 3b18e51..0000000\n" +
		"--- a/gone.txt\n" +
		"+++ /dev/null\n" +
		"@@ -1 +0,0 @@\n" +
		"-bye\n" +
		"diff --git a/old.txt b/new.txt\n" +
		"similarity index 100%\n" +
		"rename from old.txt\n" +
		"rename to new.txt\n"

	changes := gitctx.SplitChanges(out)
	require.Len(t, changes, 2)
	assert.Equal(t, "gone.txt", changes[0].Path)
	assert.Equal(t, "D", changes[0].Status)
	assert.Equal(t, "new.txt", changes[1].Path)
	assert.Equal(t, "R", changes[1].Status)

	assert.Empty(t, gitctx.SplitChanges(""))
}

func TestWorkspaceDiff(t *testing.T) {
	repo := setupGitRepo(t)
	g := gitctx.NewRunner()

	diff, err := g.WorkspaceDiff(context.Background(), repo)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(diff))

	writeFile(t, repo, "README.md", "# Changed\n")
	writeFile(t, repo, "notes.txt", "todo\n")
	diff, err = g.WorkspaceDiff(context.Background(), repo)
	require.NoError(t, err)
	assert.Contains(t, diff, "+# Changed")
	assert.Contains(t, diff, "+todo")
}

func TestListRoots(t *testing.T) {
	root := t.TempDir()
	mkdir := func(parts ...string) {
		require.NoError(t, os.MkdirAll(filepath.Join(append([]string{root}, parts...)...), 0o750))
	}
	mkdir("app", ".git")
	mkdir("libs", "core", ".git")
	mkdir("libs", "deep", "nested", ".git")
	mkdir("node_modules", "pkg", ".git")
	writeFile(t, filepath.Join(root, "libs"), ".git", "gitdir: elsewhere\n")

	roots, err := gitctx.ListRoots(root, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "libs", "libs/core"}, roots)

	roots, err = gitctx.ListRoots(root, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "libs", "libs/core", "libs/deep/nested"}, roots)

	_, err = gitctx.ListRoots(filepath.Join(root, "missing"), 1)
	assert.Error(t, err)
}
