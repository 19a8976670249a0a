package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirs(t *testing.T) Dirs {
	t.Helper()
	root := t.TempDir()
	return Dirs{
		Workspace: filepath.Join(root, "workspace", "prompts"),
		Global:    filepath.Join(root, "codex", "prompts"),
	}
}

func strPtr(s string) *string { return &s }

func TestParse_Frontmatter(t *testing.T) {
	e := parse("---\ndescription: Review a diff\nargument-hint: \"[file]\"\n---\nLook at $1\n")
	require.NotNil(t, e.Description)
	assert.Equal(t, "Review a diff", *e.Description)
	require.NotNil(t, e.ArgumentHint)
	assert.Equal(t, "[file]", *e.ArgumentHint)
	assert.Equal(t, "Look at $1\n", e.Content)

	plain := parse("no frontmatter --- here\n")
	assert.Nil(t, plain.Description)
	assert.Equal(t, "no frontmatter --- here\n", plain.Content)
}

func TestCreateAndList(t *testing.T) {
	dirs := testDirs(t)

	g, err := Create(dirs, ScopeGlobal, "zeta", nil, nil, "global body")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirs.Global, "zeta.md"), g.Path)

	w, err := Create(dirs, ScopeWorkspace, "review.md", strPtr("Review"), strPtr("[file]"), "Check $1")
	require.NoError(t, err)
	assert.Equal(t, "review", w.Name)
	assert.Equal(t, "Check $1", w.Content)
	require.NotNil(t, w.ArgumentHint)
	assert.Equal(t, "[file]", *w.ArgumentHint)

	_, err = Create(dirs, ScopeWorkspace, "review", nil, nil, "again")
	assert.ErrorIs(t, err, ErrExists)

	list, err := List(dirs)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ScopeWorkspace, list[0].Scope)
	assert.Equal(t, "review", list[0].Name)
	assert.Equal(t, ScopeGlobal, list[1].Scope)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	dirs := testDirs(t)

	_, err := Create(dirs, ScopeGlobal, "  ", nil, nil, "")
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = Create(dirs, ScopeGlobal, "../escape", nil, nil, "")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = Create(dirs, "team", "ok", nil, nil, "")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestList_MissingDirs(t *testing.T) {
	list, err := List(testDirs(t))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdate_Renames(t *testing.T) {
	dirs := testDirs(t)
	e, err := Create(dirs, ScopeWorkspace, "old", nil, nil, "body")
	require.NoError(t, err)

	updated, err := Update(dirs, e.Path, "new", strPtr("desc"), nil, "body 2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirs.Workspace, "new.md"), updated.Path)
	assert.Equal(t, "body 2", updated.Content)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "desc", *updated.Description)
	assert.NoFileExists(t, e.Path)

	_, err = Create(dirs, ScopeWorkspace, "other", nil, nil, "")
	require.NoError(t, err)
	_, err = Update(dirs, updated.Path, "other", nil, nil, "")
	assert.ErrorIs(t, err, ErrExists)
}

func TestPathsOutsideDirsAreRejected(t *testing.T) {
	dirs := testDirs(t)
	outside := filepath.Join(t.TempDir(), "x.md")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	_, err := Update(dirs, outside, "x", nil, nil, "")
	assert.ErrorIs(t, err, ErrOutsideDirs)
	assert.ErrorIs(t, Delete(dirs, outside), ErrOutsideDirs)
	_, err = Move(dirs, outside, ScopeGlobal)
	assert.ErrorIs(t, err, ErrOutsideDirs)
	assert.FileExists(t, outside)
}

func TestDeleteAndMove(t *testing.T) {
	dirs := testDirs(t)
	e, err := Create(dirs, ScopeWorkspace, "share", strPtr("d"), nil, "body")
	require.NoError(t, err)

	moved, err := Move(dirs, e.Path, ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, moved.Scope)
	assert.Equal(t, filepath.Join(dirs.Global, "share.md"), moved.Path)
	assert.Equal(t, "body", moved.Content)
	assert.NoFileExists(t, e.Path)

	require.NoError(t, Delete(dirs, moved.Path))
	assert.NoFileExists(t, moved.Path)
}
