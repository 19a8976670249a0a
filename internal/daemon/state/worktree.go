package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leonletto/anchord/internal/types"
)

// User-facing validation messages.
//
//nolint:staticcheck // ST1005: shown to users verbatim
var (
	errBranchRequired    = errors.New("Branch name is required.")
	errCopyNameRequired  = errors.New("Copy name is required.")
	errCopiesDirRequired = errors.New("Copies folder is required.")
	errBranchExists      = errors.New("Branch already exists.")
	errNoChanges         = errors.New("No changes to apply.")
	errNoRemote          = errors.New("No git remote configured for this worktree.")
)

const (
	worktreesDir      = "worktrees"
	workspaceDataDir  = "workspaces"
	setupMarkerFile   = "worktree-setup.ran"
	agentsFile        = "AGENTS.md"
	defaultRemoteName = "origin"
)

// AddWorktreeRequest describes a new worktree of a main workspace.
type AddWorktreeRequest struct {
	ParentID     string
	Branch       string
	Name         string // display name; defaults to the branch
	CopyAgentsMd bool
}

// AddWorktree creates a git worktree under the data directory and registers
// it as a workspace with a running session.
func (r *Registry) AddWorktree(ctx context.Context, req AddWorktreeRequest) (types.WorkspaceInfo, error) {
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return types.WorkspaceInfo{}, errBranchRequired
	}
	parent, err := r.Lookup(req.ParentID)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if parent.Kind.IsWorktree() {
		return types.WorkspaceInfo{}, errors.New("cannot create a worktree from another worktree")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = branch
	}
	root := filepath.Join(r.dataDir, worktreesDir, parent.ID)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("create worktrees directory: %w", err)
	}
	path := uniquePath(root, SanitizeName(name))

	exists, err := r.git.BranchExists(ctx, parent.Path, branch)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	args := []string{"worktree", "add"}
	if exists {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path)
	}
	if _, err := r.git.Run(ctx, parent.Path, args...); err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("create worktree: %w", err)
	}

	if req.CopyAgentsMd {
		if err := copyIfMissing(filepath.Join(parent.Path, agentsFile), filepath.Join(path, agentsFile)); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("copy AGENTS.md")
		}
	}

	entry := types.WorkspaceEntry{
		ID:       newWorkspaceID(),
		Name:     name,
		Path:     path,
		CodexBin: parent.CodexBin,
		Kind:     types.WorkspaceKindWorktree,
		ParentID: &parent.ID,
		Worktree: &types.WorktreeInfo{Branch: branch},
		Settings: types.WorkspaceSettings{GroupID: parent.Settings.GroupID},
	}
	if err := r.insert(entry, false); err != nil {
		_ = r.removeWorktreeFiles(ctx, parent.Path, entry)
		return types.WorkspaceInfo{}, err
	}
	if err := r.startSession(ctx, entry); err != nil {
		r.rollback(entry.ID)
		_ = r.removeWorktreeFiles(ctx, parent.Path, entry)
		return types.WorkspaceInfo{}, err
	}
	r.log.Info().Str("workspace", entry.ID).Str("branch", branch).Msg("worktree added")
	return types.WorkspaceInfo{WorkspaceEntry: entry, Connected: true}, nil
}

// AddCloneRequest describes a full clone of an existing workspace.
type AddCloneRequest struct {
	SourceID     string
	CopiesFolder string
	CopyName     string
}

// AddClone clones a workspace's repository into CopiesFolder. The clone's
// origin points at the source's origin rather than the local source.
func (r *Registry) AddClone(ctx context.Context, req AddCloneRequest) (types.WorkspaceInfo, error) {
	copyName := strings.TrimSpace(req.CopyName)
	if copyName == "" {
		return types.WorkspaceInfo{}, errCopyNameRequired
	}
	if strings.TrimSpace(req.CopiesFolder) == "" {
		return types.WorkspaceInfo{}, errCopiesDirRequired
	}
	source, err := r.Lookup(req.SourceID)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	folder, err := NormalizePath(req.CopiesFolder)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("create copies folder: %w", err)
	}
	dest := uniquePath(folder, SanitizeName(copyName))

	if _, err := r.git.Run(ctx, folder, "clone", source.Path, dest); err != nil {
		_ = os.RemoveAll(dest)
		return types.WorkspaceInfo{}, fmt.Errorf("clone repository: %w", err)
	}
	if origin, err := r.git.Run(ctx, source.Path, "remote", "get-url", defaultRemoteName); err == nil {
		if origin = strings.TrimSpace(origin); origin != "" {
			if _, err := r.git.Run(ctx, dest, "remote", "set-url", defaultRemoteName, origin); err != nil {
				r.log.Warn().Err(err).Str("path", dest).Msg("set clone origin")
			}
		}
	}

	entry := types.WorkspaceEntry{
		ID:       newWorkspaceID(),
		Name:     copyName,
		Path:     dest,
		CodexBin: source.CodexBin,
		Kind:     types.WorkspaceKindClone,
		Settings: types.WorkspaceSettings{GroupID: source.Settings.GroupID},
	}
	if err := r.insert(entry, true); err != nil {
		_ = os.RemoveAll(dest)
		return types.WorkspaceInfo{}, err
	}
	if err := r.startSession(ctx, entry); err != nil {
		r.rollback(entry.ID)
		_ = os.RemoveAll(dest)
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{WorkspaceEntry: entry, Connected: true}, nil
}

// RenameWorktree renames the worktree's branch and moves its checkout to a
// matching directory. A connected session is restarted in the new location.
func (r *Registry) RenameWorktree(ctx context.Context, id, branch string) (types.WorkspaceInfo, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return types.WorkspaceInfo{}, errBranchRequired
	}
	entry, err := r.Lookup(id)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if !entry.Kind.IsWorktree() || entry.Worktree == nil {
		return types.WorkspaceInfo{}, ErrNotWorktree
	}
	parent, err := r.parentOf(entry)
	if err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("worktree parent: %w", err)
	}
	oldBranch := entry.Worktree.Branch
	if branch == oldBranch {
		return r.Info(id)
	}
	exists, err := r.git.BranchExists(ctx, parent.Path, branch)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if exists {
		return types.WorkspaceInfo{}, errBranchExists
	}

	if _, err := r.git.Run(ctx, parent.Path, "branch", "-m", oldBranch, branch); err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("rename branch: %w", err)
	}
	newPath := uniquePath(filepath.Dir(entry.Path), SanitizeName(branch))
	if _, err := r.git.Run(ctx, parent.Path, "worktree", "move", entry.Path, newPath); err != nil {
		if _, rbErr := r.git.Run(ctx, parent.Path, "branch", "-m", branch, oldBranch); rbErr != nil {
			r.log.Warn().Err(rbErr).Str("branch", branch).Msg("restore branch name")
		}
		return types.WorkspaceInfo{}, fmt.Errorf("move worktree: %w", err)
	}

	updated, err := r.mutate(id, func(e *types.WorkspaceEntry) error {
		if e.Name == oldBranch {
			e.Name = branch
		}
		e.Path = newPath
		e.Worktree = &types.WorktreeInfo{Branch: branch}
		return nil
	})
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if err := r.restart(ctx, id); err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("restart session: %w", err)
	}
	return types.WorkspaceInfo{WorkspaceEntry: updated, Connected: r.connected(id)}, nil
}

// RenameWorktreeUpstream moves the remote branch after a local rename and
// points the local branch at it.
func (r *Registry) RenameWorktreeUpstream(ctx context.Context, id, oldBranch, newBranch string) error {
	oldBranch, newBranch = strings.TrimSpace(oldBranch), strings.TrimSpace(newBranch)
	if oldBranch == "" || newBranch == "" {
		return errBranchRequired
	}
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if !entry.Kind.IsWorktree() {
		return ErrNotWorktree
	}
	remotes, err := r.git.Run(ctx, entry.Path, "remote")
	if err != nil {
		return err
	}
	if !containsLine(remotes, defaultRemoteName) {
		return errNoRemote
	}
	if _, err := r.git.Run(ctx, entry.Path, "push", "-u", defaultRemoteName, newBranch); err != nil {
		return fmt.Errorf("push renamed branch: %w", err)
	}
	if _, err := r.git.Run(ctx, entry.Path, "push", defaultRemoteName, "--delete", oldBranch); err != nil {
		r.log.Warn().Err(err).Str("branch", oldBranch).Msg("delete old upstream branch")
	}
	return nil
}

// ApplyWorktreeChanges applies the worktree's uncommitted changes to its
// parent's checkout.
func (r *Registry) ApplyWorktreeChanges(ctx context.Context, id string) error {
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if !entry.Kind.IsWorktree() {
		return ErrNotWorktree
	}
	parent, err := r.parentOf(entry)
	if err != nil {
		return fmt.Errorf("worktree parent: %w", err)
	}
	patch, err := r.git.Run(ctx, entry.Path, "diff", "--binary", "HEAD")
	if err != nil {
		return err
	}
	if strings.TrimSpace(patch) == "" {
		return errNoChanges
	}
	if _, err := r.git.RunInput(ctx, parent.Path, patch, "apply", "--3way", "--whitespace=nowarn", "-"); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	return nil
}

// WorkspaceDataDir is where the daemon keeps per-workspace files. It is
// removed with the workspace.
func (r *Registry) WorkspaceDataDir(id string) string {
	return filepath.Join(r.dataDir, workspaceDataDir, id)
}

func (r *Registry) setupMarkerPath(id string) string {
	return filepath.Join(r.WorkspaceDataDir(id), setupMarkerFile)
}

// WorktreeSetupStatus reports whether the setup script should run for a
// worktree. The parent's script takes precedence over the worktree's own.
func (r *Registry) WorktreeSetupStatus(id string) (types.WorktreeSetupStatus, error) {
	entry, err := r.Lookup(id)
	if err != nil {
		return types.WorktreeSetupStatus{}, err
	}
	script := entry.Settings.WorktreeSetupScript
	if parent, err := r.parentOf(entry); err == nil && strings.TrimSpace(types.Deref(parent.Settings.WorktreeSetupScript)) != "" {
		script = parent.Settings.WorktreeSetupScript
	}
	if strings.TrimSpace(types.Deref(script)) == "" {
		script = nil
	}

	status := types.WorktreeSetupStatus{Script: script}
	if entry.Kind.IsWorktree() && script != nil {
		_, statErr := os.Stat(r.setupMarkerPath(id))
		status.ShouldRun = errors.Is(statErr, os.ErrNotExist)
	}
	return status, nil
}

// WorktreeSetupMarkRan records that the setup script ran for a worktree.
func (r *Registry) WorktreeSetupMarkRan(id string) error {
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if !entry.Kind.IsWorktree() {
		return ErrNotWorktree
	}
	marker := r.setupMarkerPath(id)
	if err := os.MkdirAll(filepath.Dir(marker), 0o750); err != nil {
		return fmt.Errorf("create workspace data directory: %w", err)
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10) + "\n"
	if err := os.WriteFile(marker, []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("write setup marker: %w", err)
	}
	return nil
}

func (r *Registry) clearWorkspaceData(id string) {
	if err := os.RemoveAll(r.WorkspaceDataDir(id)); err != nil {
		r.log.Debug().Err(err).Str("workspace", id).Msg("clear workspace data")
	}
}

// SanitizeName turns a branch or display name into a directory name.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, c := range strings.TrimSpace(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "worktree"
	}
	return out
}

// uniquePath returns dir/name, or dir/name-N for the first N that is free.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	for i := 2; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, name+"-"+strconv.Itoa(i))
	}
}

func copyIfMissing(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src) //nolint:gosec // G304 - path inside a registered workspace
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // G302 - checked-in file permissions
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func containsLine(output, want string) bool {
	for line := range strings.Lines(output) {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
