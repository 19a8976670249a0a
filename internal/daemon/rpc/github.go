package rpc

import (
	"context"
	"errors"
)

var errPRNumber = errors.New("missing or invalid `prNumber`")

type githubHandlers struct {
	deps Deps
}

func registerGitHub(d *Dispatcher, deps Deps) {
	h := &githubHandlers{deps: deps}
	d.Register("get_github_issues", h.issues)
	d.Register("get_github_pull_requests", h.pullRequests)
	d.Register("get_github_pull_request_diff", h.pullRequestDiff)
	d.Register("get_github_pull_request_comments", h.pullRequestComments)
}

func (h *githubHandlers) dir(p Params) (string, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return "", err
	}
	return repoDir(entry), nil
}

func (h *githubHandlers) issues(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	return h.deps.GitHub.Issues(ctx, dir)
}

func (h *githubHandlers) pullRequests(ctx context.Context, p Params) (any, error) {
	dir, err := h.dir(p)
	if err != nil {
		return nil, err
	}
	return h.deps.GitHub.PullRequests(ctx, dir)
}

// pr resolves the repository directory and the prNumber param.
func (h *githubHandlers) pr(p Params) (string, uint64, error) {
	dir, err := h.dir(p)
	if err != nil {
		return "", 0, err
	}
	number, ok := p.OptUint64("prNumber")
	if !ok {
		return "", 0, errPRNumber
	}
	return dir, number, nil
}

func (h *githubHandlers) pullRequestDiff(ctx context.Context, p Params) (any, error) {
	dir, number, err := h.pr(p)
	if err != nil {
		return nil, err
	}
	return h.deps.GitHub.PullRequestDiff(ctx, dir, number)
}

func (h *githubHandlers) pullRequestComments(ctx context.Context, p Params) (any, error) {
	dir, number, err := h.pr(p)
	if err != nil {
		return nil, err
	}
	return h.deps.GitHub.PullRequestComments(ctx, dir, number)
}
