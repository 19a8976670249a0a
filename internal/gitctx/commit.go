package gitctx

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

const (
	// DefaultRootDepth is how deep ListRoots looks below a workspace.
	DefaultRootDepth = 2
	maxRootDepth     = 6
)

var errInvalidRevision = errors.New("invalid revision")

// devNull is how git names the missing side of an added or deleted file.
const devNull = "/dev/null"

// ChangeDiff is the diff of one path together with its change kind.
type ChangeDiff struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "A", "M", "D", or "R"
	Diff   string `json:"diff"`
}

// CommitDiff returns the per-file changes introduced by commit sha.
func (g *Runner) CommitDiff(ctx context.Context, dir, sha string) ([]ChangeDiff, error) {
	sha = strings.TrimSpace(sha)
	if sha == "" || strings.HasPrefix(sha, "-") {
		return nil, errInvalidRevision
	}
	out, err := g.Run(ctx, dir, "show", "--no-color", "--no-ext-diff", "--format=", sha, "--")
	if err != nil {
		return nil, err
	}
	return SplitChanges(out), nil
}

// WorkspaceDiff returns the working tree's changes against HEAD, untracked
// files included, as one unified diff.
func (g *Runner) WorkspaceDiff(ctx context.Context, dir string) (string, error) {
	diffs, err := g.Diffs(ctx, dir, false)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, d := range diffs {
		b.WriteString(d.Diff)
		if !strings.HasSuffix(d.Diff, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// SplitChanges splits unified diff output into per-file entries and
// classifies each one.
func SplitChanges(out string) []ChangeDiff {
	changes := []ChangeDiff{}
	if strings.TrimSpace(out) == "" {
		return changes
	}
	parsed, err := godiff.ParseMultiFileDiff([]byte(out))
	if err != nil {
		for _, d := range splitDiffText(out) {
			changes = append(changes, ChangeDiff{Path: d.Path, Status: "M", Diff: d.Diff})
		}
		return changes
	}
	for _, fd := range parsed {
		text, err := godiff.PrintFileDiff(fd)
		if err != nil {
			continue
		}
		changes = append(changes, ChangeDiff{Path: diffPath(fd), Status: changeKind(fd), Diff: string(text)})
	}
	return changes
}

func changeKind(fd *godiff.FileDiff) string {
	switch {
	case fd.OrigName == devNull:
		return "A"
	case fd.NewName == devNull:
		return "D"
	}
	for _, h := range fd.Extended {
		switch {
		case strings.HasPrefix(h, "new file mode"):
			return "A"
		case strings.HasPrefix(h, "deleted file mode"):
			return "D"
		case strings.HasPrefix(h, "rename from"):
			return "R"
		}
	}
	return "M"
}

// ListRoots finds git repositories at or below root, at most depth levels
// down. Paths are slash-separated and relative to root; root itself is ".".
func ListRoots(root string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = DefaultRootDepth
	}
	depth = min(depth, maxRootDepth)
	roots := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if rel != "." && (skipDirs[d.Name()] || strings.Count(rel, string(filepath.Separator))+1 > depth) {
			return filepath.SkipDir
		}
		if _, err := os.Lstat(filepath.Join(path, ".git")); err == nil {
			roots = append(roots, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(roots)
	return roots, nil
}

var skipDirs = map[string]bool{
	".git":              true,
	"node_modules":      true,
	"dist":              true,
	"target":            true,
	"release-artifacts": true,
}
