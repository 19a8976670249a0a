package gitctx

import (
	"context"
	"strconv"
	"strings"
)

// DefaultLogLimit is the number of commits Log returns when no limit is given.
const DefaultLogLimit = 40

// LogEntry is one commit.
type LogEntry struct {
	SHA       string `json:"sha"`
	Summary   string `json:"summary"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// Log is recent history plus the relation to the upstream branch.
type Log struct {
	Total    int        `json:"total"`
	Entries  []LogEntry `json:"entries"`
	Ahead    int        `json:"ahead"`
	Behind   int        `json:"behind"`
	Upstream *string    `json:"upstream"`
}

// Branch is a local branch.
type Branch struct {
	Name       string `json:"name"`
	LastCommit int64  `json:"lastCommit"`
}

const fieldSep = "\x1f"

// Log returns up to limit commits reachable from HEAD, newest first.
// A repository without commits yields an empty log.
func (g *Runner) Log(ctx context.Context, dir string, limit int) (*Log, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	log := &Log{Entries: []LogEntry{}}
	if _, err := g.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		return log, nil //nolint:nilerr // no commits yet
	}

	count, err := g.Run(ctx, dir, "rev-list", "--count", "HEAD")
	if err != nil {
		return nil, err
	}
	log.Total, _ = strconv.Atoi(strings.TrimSpace(count))

	out, err := g.Run(ctx, dir, "log", "-n", strconv.Itoa(limit), "--format=%H"+fieldSep+"%s"+fieldSep+"%an"+fieldSep+"%at")
	if err != nil {
		return nil, err
	}
	for _, line := range parseLines(out) {
		parts := strings.SplitN(line, fieldSep, 4)
		if len(parts) < 4 {
			continue
		}
		ts, _ := strconv.ParseInt(parts[3], 10, 64)
		log.Entries = append(log.Entries, LogEntry{SHA: parts[0], Summary: parts[1], Author: parts[2], Timestamp: ts})
	}

	upstream, err := g.Run(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil {
		return log, nil //nolint:nilerr // no upstream configured
	}
	name := strings.TrimSpace(upstream)
	log.Upstream = &name
	counts, err := g.Run(ctx, dir, "rev-list", "--left-right", "--count", "HEAD...@{u}")
	if err == nil {
		if fields := strings.Fields(counts); len(fields) == 2 {
			log.Ahead, _ = strconv.Atoi(fields[0])
			log.Behind, _ = strconv.Atoi(fields[1])
		}
	}
	return log, nil
}

// Remote returns the URL of origin, or of the first remote when there is no
// origin. It returns nil when the repository has no remotes.
func (g *Runner) Remote(ctx context.Context, dir string) (*string, error) {
	out, err := g.Run(ctx, dir, "remote")
	if err != nil {
		return nil, err
	}
	remotes := parseLines(out)
	if len(remotes) == 0 {
		return nil, nil
	}
	name := remotes[0]
	for _, r := range remotes {
		if r == "origin" {
			name = r
			break
		}
	}
	url, err := g.Run(ctx, dir, "remote", "get-url", name)
	if err != nil {
		return nil, err
	}
	url = strings.TrimSpace(url)
	return &url, nil
}

// Branches lists local branches, most recently committed first.
func (g *Runner) Branches(ctx context.Context, dir string) ([]Branch, error) {
	out, err := g.Run(ctx, dir, "for-each-ref", "--sort=-committerdate",
		"--format=%(refname:short)"+fieldSep+"%(committerdate:unix)", "refs/heads")
	if err != nil {
		return nil, err
	}
	branches := []Branch{}
	for _, line := range parseLines(out) {
		name, ts, _ := strings.Cut(line, fieldSep)
		last, _ := strconv.ParseInt(ts, 10, 64)
		branches = append(branches, Branch{Name: name, LastCommit: last})
	}
	return branches, nil
}
