package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/natefinch/atomic"
)

// TextFile is a whole text file that may not exist yet.
type TextFile struct {
	Exists    bool   `json:"exists"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// ReadText returns the text file at path. A missing file is reported with
// Exists false rather than an error.
func ReadText(path string) (*TextFile, error) {
	f, err := os.Open(path) //nolint:gosec // G304 - callers pass fixed agent file paths
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &TextFile{Content: ""}, nil
		}
		return nil, fmt.Errorf("Failed to open file: %w", err) //nolint:staticcheck // ST1005
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("Failed to read file metadata: %w", err) //nolint:staticcheck // ST1005
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotAFile
	}
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
	return &TextFile{Exists: true, Content: string(buf), Truncated: truncated}, nil
}

// WriteText atomically replaces the file at path, creating parent
// directories as needed.
func WriteText(path, content string) error {
	if info, err := os.Stat(path); err == nil && !info.Mode().IsRegular() {
		return ErrNotAFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("Failed to create directory: %w", err) //nolint:staticcheck // ST1005
	}
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("Failed to write file: %w", err) //nolint:staticcheck // ST1005
	}
	return nil
}
