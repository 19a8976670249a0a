package gitctx

import (
	"context"
	"errors"
	"strings"
)

//nolint:staticcheck // ST1005: shown to users verbatim
var (
	errCommitMessageRequired = errors.New("Commit message is required.")
	errBranchNameRequired    = errors.New("Branch name is required.")
	errPathRequired          = errors.New("File path is required.")
)

// Checkout switches the working tree to an existing branch.
func (g *Runner) Checkout(ctx context.Context, dir, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return errBranchNameRequired
	}
	_, err := g.Run(ctx, dir, "checkout", branch)
	return err
}

// CreateBranch creates a branch at HEAD and switches to it.
func (g *Runner) CreateBranch(ctx context.Context, dir, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return errBranchNameRequired
	}
	_, err := g.Run(ctx, dir, "checkout", "-b", branch)
	return err
}

// Stage adds one path, including deletions, to the index.
func (g *Runner) Stage(ctx context.Context, dir, path string) error {
	if path == "" {
		return errPathRequired
	}
	_, err := g.Run(ctx, dir, "add", "-A", "--", path)
	return err
}

// StageAll adds every change to the index.
func (g *Runner) StageAll(ctx context.Context, dir string) error {
	_, err := g.Run(ctx, dir, "add", "-A")
	return err
}

// Unstage removes one path from the index, keeping working tree changes.
func (g *Runner) Unstage(ctx context.Context, dir, path string) error {
	if path == "" {
		return errPathRequired
	}
	if !g.hasHead(ctx, dir) {
		_, err := g.Run(ctx, dir, "rm", "--cached", "--quiet", "--", path)
		return err
	}
	_, err := g.Run(ctx, dir, "restore", "--staged", "--", path)
	return err
}

// Revert discards all changes to one path. Untracked files are deleted.
func (g *Runner) Revert(ctx context.Context, dir, path string) error {
	if path == "" {
		return errPathRequired
	}
	tracked, err := g.Run(ctx, dir, "ls-files", "--error-unmatch", "--", path)
	if err != nil || strings.TrimSpace(tracked) == "" {
		_, err := g.Run(ctx, dir, "clean", "-f", "--", path)
		return err
	}
	_, err = g.Run(ctx, dir, "restore", "--staged", "--worktree", "--source=HEAD", "--", path)
	return err
}

// RevertAll discards every change, including untracked files.
func (g *Runner) RevertAll(ctx context.Context, dir string) error {
	if g.hasHead(ctx, dir) {
		if _, err := g.Run(ctx, dir, "restore", "--staged", "--worktree", "--source=HEAD", "--", "."); err != nil {
			return err
		}
	}
	_, err := g.Run(ctx, dir, "clean", "-fd")
	return err
}

// Commit records the index with message.
func (g *Runner) Commit(ctx context.Context, dir, message string) error {
	if strings.TrimSpace(message) == "" {
		return errCommitMessageRequired
	}
	_, err := g.Run(ctx, dir, "commit", "-m", message)
	return err
}

// Push pushes the current branch, setting origin as upstream when none is
// configured.
func (g *Runner) Push(ctx context.Context, dir string) error {
	if _, err := g.Run(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}"); err != nil {
		_, err := g.Run(ctx, dir, "push", "-u", "origin", "HEAD")
		return err
	}
	_, err := g.Run(ctx, dir, "push")
	return err
}

// Pull fetches and merges the upstream branch.
func (g *Runner) Pull(ctx context.Context, dir string) error {
	_, err := g.Run(ctx, dir, "pull", "--no-rebase", "--no-edit")
	return err
}

// Fetch updates remote-tracking branches.
func (g *Runner) Fetch(ctx context.Context, dir string) error {
	_, err := g.Run(ctx, dir, "fetch", "--prune")
	return err
}

// Sync pulls then pushes.
func (g *Runner) Sync(ctx context.Context, dir string) error {
	if err := g.Pull(ctx, dir); err != nil {
		return err
	}
	return g.Push(ctx, dir)
}

func (g *Runner) hasHead(ctx context.Context, dir string) bool {
	_, err := g.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}
