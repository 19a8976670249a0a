// Package files lists and reads files inside a workspace root.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFileBytes is the most Read returns from one file.
	MaxFileBytes = 400_000
	// MaxListedFiles caps the number of paths List returns.
	MaxListedFiles = 20_000
)

//nolint:staticcheck // ST1005: shown to users verbatim
var (
	ErrInvalidPath = errors.New("Invalid file path")
	ErrNotAFile    = errors.New("Path is not a file")
	ErrNotUTF8     = errors.New("File is not valid UTF-8")
)

var skipDirs = map[string]bool{
	".git":              true,
	"node_modules":      true,
	"dist":              true,
	"target":            true,
	"release-artifacts": true,
}

// Content is a file's text, cut at MaxFileBytes.
type Content struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// List returns the slash-separated paths of regular files under root,
// sorted. Dependency and build directories are skipped and symlinks are not
// followed. At most limit paths are returned; limit <= 0 means MaxListedFiles.
func List(root string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = MaxListedFiles
	}
	results := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtrees are skipped.
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil //nolint:nilerr // skip entries outside root
		}
		results = append(results, filepath.ToSlash(rel))
		if len(results) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	sort.Strings(results)
	return results, nil
}

// Read returns the text of the file at relPath inside root. Paths that
// resolve outside root, including through symlinks, are rejected.
func Read(root, relPath string) (*Content, error) {
	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("Failed to resolve workspace root: %w", err) //nolint:staticcheck // ST1005
	}
	canonicalPath, err := filepath.EvalSymlinks(filepath.Join(canonicalRoot, relPath))
	if err != nil {
		return nil, fmt.Errorf("Failed to open file: %w", err) //nolint:staticcheck // ST1005
	}
	if !within(canonicalRoot, canonicalPath) {
		return nil, ErrInvalidPath
	}
	info, err := os.Stat(canonicalPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to read file metadata: %w", err) //nolint:staticcheck // ST1005
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotAFile
	}

	f, err := os.Open(canonicalPath) //nolint:gosec // G304 - confined to the workspace root above
	if err != nil {
		return nil, fmt.Errorf("Failed to open file: %w", err) //nolint:staticcheck // ST1005
	}
	defer func() { _ = f.Close() }()

	buf, err := io.ReadAll(io.LimitReader(f, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("Failed to read file: %w", err) //nolint:staticcheck // ST1005
	}
	truncated := len(buf) > MaxFileBytes
	if truncated {
		buf = trimPartialRune(buf[:MaxFileBytes])
	}
	if !utf8.Valid(buf) {
		return nil, ErrNotUTF8
	}
	return &Content{Content: string(buf), Truncated: truncated}, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			break
		}
	}
	return b
}
