package rpc

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/gitctx"
	"github.com/leonletto/anchord/internal/types"
)

type gitHandlers struct {
	deps Deps
}

func registerGit(d *Dispatcher, deps Deps) {
	h := &gitHandlers{deps: deps}
	d.Register("get_git_status", h.status)
	d.Register("get_git_diffs", h.diffs)
	d.Register("get_git_log", h.log)
	d.Register("get_git_commit_diff", h.commitDiff)
	d.Register("list_git_roots", h.roots)
	d.Register("get_git_remote", h.remote)
	d.Register("list_git_branches", h.branches)
	d.Register("checkout_git_branch", h.withName(h.deps.Git.Checkout))
	d.Register("create_git_branch", h.withName(h.deps.Git.CreateBranch))
	d.Register("stage_git_file", h.withPath(h.deps.Git.Stage))
	d.Register("unstage_git_file", h.withPath(h.deps.Git.Unstage))
	d.Register("revert_git_file", h.withPath(h.deps.Git.Revert))
	d.Register("stage_git_all", h.action(h.deps.Git.StageAll))
	d.Register("revert_git_all", h.action(h.deps.Git.RevertAll))
	d.Register("commit_git", h.commit)
	d.Register("push_git", h.action(h.deps.Git.Push))
	d.Register("pull_git", h.action(h.deps.Git.Pull))
	d.Register("fetch_git", h.action(h.deps.Git.Fetch))
	d.Register("sync_git", h.action(h.deps.Git.Sync))
}

// repoDir returns the repository directory of a workspace: the configured
// git root, resolved against the workspace path, or the path itself.
func repoDir(entry types.WorkspaceEntry) string {
	root := strings.TrimSpace(types.Deref(entry.Settings.GitRoot))
	if root == "" {
		return entry.Path
	}
	root = config.ExpandHome(root)
	if !filepath.IsAbs(root) {
		root = filepath.Join(entry.Path, root)
	}
	return filepath.Clean(root)
}

func (h *gitHandlers) dir(p Params) (string, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return "", err
	}
	return repoDir(entry), nil
}

func (h *gitHandlers) status(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	return h.deps.Git.Status(ctx, dir)
}

func (h *gitHandlers) diffs(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	ignoreWS := false
	if h.deps.Settings != nil {
		ignoreWS = h.deps.Settings.Snapshot().GitDiffIgnoreWhitespaceChanges
	}
	return h.deps.Git.Diffs(ctx, dir, ignoreWS)
}

func (h *gitHandlers) log(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	limit, _ := p.OptUint32("limit")
	return h.deps.Git.Log(ctx, dir, int(limit))
}

func (h *gitHandlers) commitDiff(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	sha, err := p.String("sha")
	if err != nil {
		return nil, err
	}
	return h.deps.Git.CommitDiff(ctx, dir, sha)
}

// roots lists repositories under the workspace path, not the git root.
func (h *gitHandlers) roots(_ context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	depth, _ := p.OptUint32("depth")
	return gitctx.ListRoots(entry.Path, int(depth))
}

func (h *gitHandlers) remote(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	return h.deps.Git.Remote(ctx, dir)
}

func (h *gitHandlers) branches(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	branches, err := h.deps.Git.Branches(ctx, dir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branches": branches}, nil
}

func (h *gitHandlers) commit(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	message, err := p.String("message")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Git.Commit(ctx, dir, message); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *gitHandlers) action(fn func(ctx context.Context, dir string) error) Handler {
	return func(ctx context.Context, p Params) (any, error) {
		dir, err := h.dir(p)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, dir); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

func (h *gitHandlers) withArg(key string, fn func(ctx context.Context, dir, arg string) error) Handler {
	return func(ctx context.Context, p Params) (any, error) {
		dir, err := h.dir(p)
		if err != nil {
			return nil, err
		}
		arg, err := p.String(key)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, dir, arg); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

func (h *gitHandlers) withName(fn func(ctx context.Context, dir, name string) error) Handler {
	return h.withArg("name", fn)
}

func (h *gitHandlers) withPath(fn func(ctx context.Context, dir, path string) error) Handler {
	return h.withArg("path", fn)
}
