package types

// WorkspaceKind distinguishes main checkouts from derived copies.
type WorkspaceKind string

const (
	WorkspaceKindMain     WorkspaceKind = "main"
	WorkspaceKindWorktree WorkspaceKind = "worktree"
	WorkspaceKindClone    WorkspaceKind = "clone"
)

// IsWorktree reports whether k is a git worktree of another workspace.
func (k WorkspaceKind) IsWorktree() bool { return k == WorkspaceKindWorktree }

// WorktreeInfo holds metadata recorded for worktree workspaces.
type WorktreeInfo struct {
	Branch string `json:"branch"`
}

// WorkspaceSettings are per-workspace preferences persisted alongside the entry.
type WorkspaceSettings struct {
	SidebarCollapsed    bool    `json:"sidebarCollapsed"`
	SortOrder           *uint32 `json:"sortOrder,omitempty"`
	GroupID             *string `json:"groupId,omitempty"`
	GitRoot             *string `json:"gitRoot,omitempty"`
	CodexHome           *string `json:"codexHome,omitempty"`
	CodexArgs           *string `json:"codexArgs,omitempty"`
	LaunchScript        *string `json:"launchScript,omitempty"`
	WorktreeSetupScript *string `json:"worktreeSetupScript,omitempty"`
}

// WorkspaceEntry is the persisted identity and configuration of a workspace.
type WorkspaceEntry struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Path     string            `json:"path"`
	CodexBin *string           `json:"codex_bin,omitempty"`
	Kind     WorkspaceKind     `json:"kind"`
	ParentID *string           `json:"parentId,omitempty"`
	Worktree *WorktreeInfo     `json:"worktree,omitempty"`
	Settings WorkspaceSettings `json:"settings"`
}

// Clone returns a deep copy of e.
func (e WorkspaceEntry) Clone() WorkspaceEntry {
	out := e
	out.CodexBin = cloneString(e.CodexBin)
	out.ParentID = cloneString(e.ParentID)
	if e.Worktree != nil {
		wt := *e.Worktree
		out.Worktree = &wt
	}
	out.Settings = e.Settings.Clone()
	return out
}

// Clone returns a deep copy of s.
func (s WorkspaceSettings) Clone() WorkspaceSettings {
	out := s
	if s.SortOrder != nil {
		v := *s.SortOrder
		out.SortOrder = &v
	}
	out.GroupID = cloneString(s.GroupID)
	out.GitRoot = cloneString(s.GitRoot)
	out.CodexHome = cloneString(s.CodexHome)
	out.CodexArgs = cloneString(s.CodexArgs)
	out.LaunchScript = cloneString(s.LaunchScript)
	out.WorktreeSetupScript = cloneString(s.WorktreeSetupScript)
	return out
}

// WorkspaceInfo is the RPC view of a workspace.
type WorkspaceInfo struct {
	WorkspaceEntry
	Connected bool `json:"connected"`
}

// WorktreeSetupStatus reports whether a worktree's setup script still needs to run.
type WorktreeSetupStatus struct {
	ShouldRun bool    `json:"shouldRun"`
	Script    *string `json:"script"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s, or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
