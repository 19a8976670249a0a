// Package gitctx runs git for workspace operations: repository status,
// diffs, history, and branch and worktree management.
package gitctx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds local git commands.
	DefaultTimeout = 30 * time.Second
	// NetworkTimeout bounds commands that talk to a remote.
	NetworkTimeout = 5 * time.Minute
)

var networkCommands = map[string]bool{
	"clone": true,
	"fetch": true,
	"pull":  true,
	"push":  true,
}

// Error is a failed git invocation.
type Error struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes git commands. The zero value is not usable; use NewRunner.
type Runner struct {
	bin            string
	timeout        time.Duration
	networkTimeout time.Duration
}

// NewRunner returns a Runner using the git found on PATH.
func NewRunner() *Runner {
	return &Runner{bin: "git", timeout: DefaultTimeout, networkTimeout: NetworkTimeout}
}

// Run executes git args in dir and returns stdout.
func (g *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.run(ctx, dir, nil, args)
}

// RunInput is Run with input written to git's stdin.
func (g *Runner) RunInput(ctx context.Context, dir, input string, args ...string) (string, error) {
	return g.run(ctx, dir, strings.NewReader(input), args)
}

func (g *Runner) run(ctx context.Context, dir string, stdin *strings.Reader, args []string) (string, error) {
	timeout := g.timeout
	if len(args) > 0 && networkCommands[args[0]] {
		timeout = g.networkTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.bin, args...) //nolint:gosec // G204 - git with daemon-built arguments
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return stdout.String(), &Error{Args: args, Dir: dir, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// BranchExists reports whether a local branch exists in the repository at dir.
func (g *Runner) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := g.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if isExitCode(err, 1) {
		return false, nil
	}
	return false, err
}

// IsMissingWorktreeError reports whether err is git refusing to remove a
// worktree it does not know about or whose directory is already gone. Other
// failures, such as locked or dirty worktrees, are not matched.
func (g *Runner) IsMissingWorktreeError(err error) bool {
	var gitErr *Error
	if !errors.As(err, &gitErr) {
		return false
	}
	msg := gitErr.Stderr
	switch {
	case strings.Contains(msg, "is not a working tree"):
		return true
	case strings.Contains(msg, "validation failed, cannot remove working tree") && strings.Contains(msg, "does not exist"):
		return true
	}
	return false
}

// parseLines splits output into non-empty trimmed lines.
func parseLines(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}
