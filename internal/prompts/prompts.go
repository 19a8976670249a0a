// Package prompts manages the agent's custom prompt files: markdown with an
// optional YAML frontmatter, kept in a global and a per-workspace directory.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/leonletto/anchord/internal/types"
)

// Scopes a prompt can live in.
const (
	ScopeWorkspace = "workspace"
	ScopeGlobal    = "global"
)

const ext = ".md"

//nolint:staticcheck // ST1005: shown to users verbatim
var (
	ErrExists       = errors.New("Prompt already exists.")
	ErrNameRequired = errors.New("Prompt name is required.")
	ErrInvalidName  = errors.New("Prompt name must not contain path separators.")
	ErrOutsideDirs  = errors.New("Prompt path is not within a prompts directory.")
	ErrInvalidScope = errors.New("Invalid prompt scope.")
)

// Entry is one prompt file.
type Entry struct {
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	Description  *string `json:"description"`
	ArgumentHint *string `json:"argumentHint"`
	Content      string  `json:"content"`
	Scope        string  `json:"scope"`
}

// Dirs are the two prompt directories visible from a workspace.
type Dirs struct {
	Workspace string
	Global    string
}

func (d Dirs) forScope(scope string) (string, error) {
	switch scope {
	case ScopeWorkspace:
		return d.Workspace, nil
	case ScopeGlobal:
		return d.Global, nil
	}
	return "", ErrInvalidScope
}

// scopeOf returns the scope of a prompt file path, or ErrOutsideDirs.
func (d Dirs) scopeOf(path string) (string, error) {
	if !strings.HasSuffix(path, ext) {
		return "", ErrOutsideDirs
	}
	dir := filepath.Clean(filepath.Dir(path))
	switch {
	case d.Workspace != "" && dir == filepath.Clean(d.Workspace):
		return ScopeWorkspace, nil
	case d.Global != "" && dir == filepath.Clean(d.Global):
		return ScopeGlobal, nil
	}
	return "", ErrOutsideDirs
}

type frontmatter struct {
	Description  string `yaml:"description,omitempty"`
	ArgumentHint string `yaml:"argument-hint,omitempty"`
}

// List returns workspace prompts followed by global ones, each sorted by
// name. Missing directories contribute nothing.
func List(dirs Dirs) ([]Entry, error) {
	entries := []Entry{}
	for _, scope := range []string{ScopeWorkspace, ScopeGlobal} {
		dir, _ := dirs.forScope(scope)
		if dir == "" {
			continue
		}
		found, err := listDir(dir, scope)
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}
	return entries, nil
}

func listDir(dir, scope string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}
	var entries []Entry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ext) {
			continue
		}
		e, err := load(filepath.Join(dir, de.Name()), scope)
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func load(path, scope string) (*Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - confined to prompt dirs
	if err != nil {
		return nil, err
	}
	e := parse(string(data))
	e.Name = strings.TrimSuffix(filepath.Base(path), ext)
	e.Path = path
	e.Scope = scope
	return e, nil
}

// parse splits an optional frontmatter block off the prompt body.
func parse(content string) *Entry {
	e := &Entry{Content: content}
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return e
	}
	parts := strings.SplitN(normalized, "---", 3)
	if len(parts) < 3 {
		return e
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return e
	}
	e.Content = strings.TrimPrefix(parts[2], "\n")
	if v := strings.TrimSpace(fm.Description); v != "" {
		e.Description = &v
	}
	if v := strings.TrimSpace(fm.ArgumentHint); v != "" {
		e.ArgumentHint = &v
	}
	return e
}

func render(description, argumentHint *string, content string) (string, error) {
	fm := frontmatter{
		Description:  strings.TrimSpace(types.Deref(description)),
		ArgumentHint: strings.TrimSpace(types.Deref(argumentHint)),
	}
	if fm == (frontmatter{}) {
		return content, nil
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return "", err
	}
	return "---\n" + string(head) + "---\n" + content, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ext)
	if name == "" {
		return "", ErrNameRequired
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return name, nil
}

// Create writes a new prompt in scope's directory.
func Create(dirs Dirs, scope, name string, description, argumentHint *string, content string) (*Entry, error) {
	dir, err := dirs.forScope(scope)
	if err != nil {
		return nil, err
	}
	name, err = cleanName(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name+ext)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrExists
	}
	if err := write(path, description, argumentHint, content); err != nil {
		return nil, err
	}
	return load(path, scope)
}

// Update rewrites the prompt at path, renaming it when name changes.
func Update(dirs Dirs, path, name string, description, argumentHint *string, content string) (*Entry, error) {
	scope, err := dirs.scopeOf(path)
	if err != nil {
		return nil, err
	}
	name, err = cleanName(name)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(filepath.Dir(path), name+ext)
	if target != path {
		if _, err := os.Stat(target); err == nil {
			return nil, ErrExists
		}
	}
	if err := write(target, description, argumentHint, content); err != nil {
		return nil, err
	}
	if target != path {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove old prompt: %w", err)
		}
	}
	return load(target, scope)
}

// Delete removes the prompt at path.
func Delete(dirs Dirs, path string) error {
	if _, err := dirs.scopeOf(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}

// Move relocates the prompt at path into scope's directory.
func Move(dirs Dirs, path, scope string) (*Entry, error) {
	from, err := dirs.scopeOf(path)
	if err != nil {
		return nil, err
	}
	dir, err := dirs.forScope(scope)
	if err != nil {
		return nil, err
	}
	if from == scope {
		return load(path, scope)
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		return nil, ErrExists
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304 - confined to prompt dirs
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create prompts dir: %w", err)
	}
	// Copy then remove: the two directories may be on different filesystems.
	if err := atomic.WriteFile(target, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove old prompt: %w", err)
	}
	return load(target, scope)
}

func write(path string, description, argumentHint *string, content string) error {
	text, err := render(description, argumentHint, content)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(text)); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

