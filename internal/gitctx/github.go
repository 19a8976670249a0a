package gitctx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrGitHubCLIMissing is returned when the gh binary cannot be found.
var ErrGitHubCLIMissing = errors.New("GitHub CLI (gh) is not installed or not on PATH")

const (
	issueLimit = 50
	prLimit    = 50
)

// Issue is an open GitHub issue.
type Issue struct {
	Number    uint64 `json:"number"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	UpdatedAt string `json:"updatedAt"`
}

// IssueList is the response of Issues.
type IssueList struct {
	Total  int     `json:"total"`
	Issues []Issue `json:"issues"`
}

// Author is a GitHub account reference.
type Author struct {
	Login string `json:"login"`
}

// PullRequest is an open GitHub pull request.
type PullRequest struct {
	Number      uint64  `json:"number"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	UpdatedAt   string  `json:"updatedAt"`
	CreatedAt   string  `json:"createdAt"`
	Body        string  `json:"body"`
	HeadRefName string  `json:"headRefName"`
	BaseRefName string  `json:"baseRefName"`
	IsDraft     bool    `json:"isDraft"`
	Author      *Author `json:"author"`
}

// PullRequestList is the response of PullRequests.
type PullRequestList struct {
	Total        int           `json:"total"`
	PullRequests []PullRequest `json:"pullRequests"`
}

// Comment is a conversation comment on a pull request.
type Comment struct {
	ID        uint64  `json:"id"`
	Body      string  `json:"body"`
	CreatedAt string  `json:"createdAt"`
	URL       string  `json:"url"`
	Author    *Author `json:"author"`
}

// GitHub runs the gh CLI against the repository in a workspace.
type GitHub struct {
	bin     string
	cli *Runner
}

// NewGitHub returns a GitHub client using bin, or "gh" when bin is empty.
func NewGitHub(bin string) *GitHub {
	if bin == "" {
		bin = "gh"
	}
	return &GitHub{bin: bin, cli: &Runner{bin: bin, timeout: NetworkTimeout, networkTimeout: NetworkTimeout}}
}

func (gh *GitHub) run(ctx context.Context, dir string, args ...string) (string, error) {
	if _, err := exec.LookPath(gh.bin); err != nil {
		return "", ErrGitHubCLIMissing
	}
	out, err := gh.cli.Run(ctx, dir, args...)
	if err != nil {
		var ghErr *Error
		if errors.As(err, &ghErr) {
			if msg := strings.TrimSpace(ghErr.Stderr); msg != "" {
				return "", errors.New(msg)
			}
			return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), ghErr.Err)
		}
		return "", err
	}
	return out, nil
}

// Issues lists open issues for the repository at dir.
func (gh *GitHub) Issues(ctx context.Context, dir string) (*IssueList, error) {
	out, err := gh.run(ctx, dir, "issue", "list",
		"--state", "open",
		"--limit", strconv.Itoa(issueLimit),
		"--json", "number,title,url,updatedAt")
	if err != nil {
		return nil, err
	}
	issues := []Issue{}
	if err := decodeList(out, &issues); err != nil {
		return nil, fmt.Errorf("parse gh issue list: %w", err)
	}
	return &IssueList{Total: len(issues), Issues: issues}, nil
}

// PullRequests lists open pull requests for the repository at dir.
func (gh *GitHub) PullRequests(ctx context.Context, dir string) (*PullRequestList, error) {
	out, err := gh.run(ctx, dir, "pr", "list",
		"--state", "open",
		"--limit", strconv.Itoa(prLimit),
		"--json", "number,title,url,updatedAt,createdAt,body,headRefName,baseRefName,isDraft,author")
	if err != nil {
		return nil, err
	}
	prs := []PullRequest{}
	if err := decodeList(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list: %w", err)
	}
	return &PullRequestList{Total: len(prs), PullRequests: prs}, nil
}

// PullRequestDiff returns the per-file changes of pull request number.
func (gh *GitHub) PullRequestDiff(ctx context.Context, dir string, number uint64) ([]ChangeDiff, error) {
	out, err := gh.run(ctx, dir, "pr", "diff", strconv.FormatUint(number, 10), "--color", "never")
	if err != nil {
		return nil, err
	}
	return SplitChanges(out), nil
}

// PullRequestComments returns the conversation comments of pull request number.
func (gh *GitHub) PullRequestComments(ctx context.Context, dir string, number uint64) ([]Comment, error) {
	out, err := gh.run(ctx, dir, "api",
		fmt.Sprintf("repos/{owner}/{repo}/issues/%d/comments", number))
	if err != nil {
		return nil, err
	}
	if !gjson.Valid(out) {
		return nil, errors.New("parse gh api comments: invalid JSON")
	}
	comments := []Comment{}
	gjson.Parse(out).ForEach(func(_, c gjson.Result) bool {
		comment := Comment{
			ID:        c.Get("id").Uint(),
			Body:      c.Get("body").String(),
			CreatedAt: c.Get("created_at").String(),
			URL:       c.Get("html_url").String(),
		}
		if login := c.Get("user.login"); login.Exists() {
			comment.Author = &Author{Login: login.String()}
		}
		comments = append(comments, comment)
		return true
	})
	return comments, nil
}

func decodeList(out string, v any) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(out)))
	return dec.Decode(v)
}
