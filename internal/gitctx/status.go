package gitctx

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// FileStatus is one changed path in the working tree or index.
type FileStatus struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // "A", "M", "D", "R", "T", or "U"
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Status summarizes a repository's uncommitted changes.
type Status struct {
	BranchName     string       `json:"branchName"`
	Files          []FileStatus `json:"files"`
	StagedFiles    []FileStatus `json:"stagedFiles"`
	UnstagedFiles  []FileStatus `json:"unstagedFiles"`
	TotalAdditions int          `json:"totalAdditions"`
	TotalDeletions int          `json:"totalDeletions"`
}

// FileDiff is the unified diff of one path against HEAD.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

type numstat struct{ additions, deletions int }

// Status reports the branch and changed files of the repository at dir.
func (g *Runner) Status(ctx context.Context, dir string) (*Status, error) {
	out, err := g.Run(ctx, dir, "status", "--porcelain=v1", "-z", "--branch", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	staged, _ := g.numstat(ctx, dir, "--cached")
	unstaged, _ := g.numstat(ctx, dir)

	st := &Status{
		Files:         []FileStatus{},
		StagedFiles:   []FileStatus{},
		UnstagedFiles: []FileStatus{},
	}
	tokens := strings.Split(out, "\x00")
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if strings.HasPrefix(tok, "## ") {
			st.BranchName = parseBranchHeader(tok[3:])
			continue
		}
		if len(tok) < 4 {
			continue
		}
		x, y, path := tok[0], tok[1], tok[3:]
		if x == 'R' || x == 'C' {
			i++ // the next token is the source path
		}

		file := FileStatus{Path: path}
		if x == '?' {
			file.Status = "A"
			file.Additions = countLines(filepath.Join(dir, path))
			st.UnstagedFiles = append(st.UnstagedFiles, file)
		} else {
			if x != ' ' {
				s := numstatFor(staged, path)
				entry := FileStatus{Path: path, Status: statusCode(x), Additions: s.additions, Deletions: s.deletions}
				st.StagedFiles = append(st.StagedFiles, entry)
				file.Additions += s.additions
				file.Deletions += s.deletions
				file.Status = entry.Status
			}
			if y != ' ' {
				u := numstatFor(unstaged, path)
				entry := FileStatus{Path: path, Status: statusCode(y), Additions: u.additions, Deletions: u.deletions}
				st.UnstagedFiles = append(st.UnstagedFiles, entry)
				file.Additions += u.additions
				file.Deletions += u.deletions
				if file.Status == "" {
					file.Status = entry.Status
				}
			}
		}
		st.Files = append(st.Files, file)
		st.TotalAdditions += file.Additions
		st.TotalDeletions += file.Deletions
	}
	return st, nil
}

// parseBranchHeader extracts the branch from a "## " status header such as
// "main...origin/main [ahead 1]" or "No commits yet on main".
func parseBranchHeader(h string) string {
	h = strings.TrimPrefix(h, "No commits yet on ")
	h = strings.TrimPrefix(h, "Initial commit on ")
	if name, _, ok := strings.Cut(h, "..."); ok {
		return name
	}
	if name, _, ok := strings.Cut(h, " "); ok {
		return name
	}
	return h
}

func statusCode(c byte) string {
	switch c {
	case 'A', 'C':
		return "A"
	case 'D':
		return "D"
	case 'R':
		return "R"
	case 'T':
		return "T"
	case 'U':
		return "U"
	default:
		return "M"
	}
}

func (g *Runner) numstat(ctx context.Context, dir string, extra ...string) (map[string]numstat, error) {
	args := append([]string{"diff", "--numstat", "--no-renames"}, extra...)
	out, err := g.Run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]numstat)
	for _, line := range parseLines(out) {
		// "additions\tdeletions\tpath"; binary files show "-".
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		stats[parts[2]] = numstat{additions: add, deletions: del}
	}
	return stats, nil
}

func numstatFor(stats map[string]numstat, path string) numstat {
	if stats == nil {
		return numstat{}
	}
	return stats[path]
}

// countLines counts the lines of a small text file; anything unreadable or
// large counts as zero.
func countLines(path string) int {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > 1<<20 {
		return 0
	}
	f, err := os.Open(path) //nolint:gosec // G304 - path inside a workspace
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

// Diffs returns per-file diffs of the working tree against HEAD, including
// untracked files.
func (g *Runner) Diffs(ctx context.Context, dir string, ignoreWhitespace bool) ([]FileDiff, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if ignoreWhitespace {
		args = append(args, "-w")
	}
	if _, err := g.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		args = append(args, "HEAD")
	} else {
		args = append(args, "--cached")
	}
	out, err := g.Run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	diffs := splitDiff(out)

	untracked, err := g.Run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err == nil {
		for _, path := range parseLines(untracked) {
			d, err := g.Run(ctx, dir, "diff", "--no-color", "--no-index", "--", os.DevNull, path)
			if err != nil && !isExitCode(err, 1) {
				continue
			}
			diffs = append(diffs, FileDiff{Path: path, Diff: d})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs, nil
}

// splitDiff splits unified diff output into one entry per file.
func splitDiff(out string) []FileDiff {
	if strings.TrimSpace(out) == "" {
		return []FileDiff{}
	}
	parsed, err := godiff.ParseMultiFileDiff([]byte(out))
	if err != nil {
		return splitDiffText(out)
	}
	diffs := make([]FileDiff, 0, len(parsed))
	for _, fd := range parsed {
		text, err := godiff.PrintFileDiff(fd)
		if err != nil {
			continue
		}
		diffs = append(diffs, FileDiff{Path: diffPath(fd), Diff: string(text)})
	}
	return diffs
}

// diffPath returns the repository-relative path a file diff applies to.
func diffPath(fd *godiff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == os.DevNull {
		name = fd.OrigName
	}
	if name == "" && len(fd.Extended) > 0 {
		name = headerPath(fd.Extended[0])
	}
	if rest, ok := strings.CutPrefix(name, "b/"); ok {
		return rest
	}
	return strings.TrimPrefix(name, "a/")
}

func headerPath(header string) string {
	rest := strings.TrimPrefix(strings.TrimRight(header, "\n"), "diff --git ")
	if _, b, found := strings.Cut(rest, " b/"); found {
		return b
	}
	return rest
}

// splitDiffText splits on "diff --git" headers without parsing hunks.
func splitDiffText(out string) []FileDiff {
	diffs := []FileDiff{}
	var cur *FileDiff
	var body strings.Builder
	flush := func() {
		if cur != nil {
			cur.Diff = body.String()
			diffs = append(diffs, *cur)
		}
		body.Reset()
	}
	for line := range strings.Lines(out) {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			cur = &FileDiff{Path: headerPath(line)}
		}
		body.WriteString(line)
	}
	flush()
	return diffs
}

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}
