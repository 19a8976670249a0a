// Package state owns the daemon's workspace registry: persisted workspace
// entries and the live agent sessions bound to them.
package state

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/types"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrDuplicatePath     = errors.New("workspace already added")
	ErrNotConnected      = errors.New("workspace not connected")
	ErrNotWorktree       = errors.New("not a worktree workspace")
)

// Session is a live agent process bound to one workspace.
type Session interface {
	// Request sends a JSON-RPC request and waits for its result.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a JSON-RPC notification.
	Notify(ctx context.Context, method string, params any) error
	// Respond answers a request the agent sent to the client.
	Respond(ctx context.Context, id json.RawMessage, result any) error
	// Close terminates the process.
	Close() error
}

// SpawnRequest describes the session to start for a workspace.
type SpawnRequest struct {
	Entry      types.WorkspaceEntry
	DefaultBin string // used when the entry has no binary override
	Args       string // extra agent arguments, shell-style
	Home       string // agent home override; empty keeps the environment's
}

// SessionFactory starts sessions. The daemon's factory binds the event sink.
type SessionFactory interface {
	Spawn(ctx context.Context, req SpawnRequest) (Session, error)
}

// Git runs version-control commands for worktree and clone management.
type Git interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
	RunInput(ctx context.Context, dir, input string, args ...string) (string, error)
	BranchExists(ctx context.Context, dir, branch string) (bool, error)
	IsMissingWorktreeError(err error) bool
}

// Store persists the workspace map.
type Store interface {
	Load() (map[string]types.WorkspaceEntry, error)
	Save(entries map[string]types.WorkspaceEntry) error
}

// SettingsSource provides app settings snapshots.
type SettingsSource interface {
	Snapshot() config.AppSettings
}

// Options configures a Registry.
type Options struct {
	DataDir  string
	Store    Store
	Factory  SessionFactory
	Git      Git
	Settings SettingsSource
	Logger   zerolog.Logger
}

// Registry maps workspace ids to entries and live sessions.
//
// Lock order is wsMu before sessMu. Neither lock is held across process
// spawn or git commands; wsMu is held while the workspace map is written to
// disk so memory and disk change together.
type Registry struct {
	dataDir  string
	store    Store
	factory  SessionFactory
	git      Git
	settings SettingsSource
	log      zerolog.Logger

	wsMu       sync.Mutex
	workspaces map[string]types.WorkspaceEntry

	sessMu   sync.Mutex
	sessions map[string]Session
}

// NewRegistry loads persisted workspaces. No sessions are started.
func NewRegistry(opts Options) (*Registry, error) {
	entries, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load workspaces: %w", err)
	}
	if entries == nil {
		entries = make(map[string]types.WorkspaceEntry)
	}
	return &Registry{
		dataDir:    opts.DataDir,
		store:      opts.Store,
		factory:    opts.Factory,
		git:        opts.Git,
		settings:   opts.Settings,
		log:        opts.Logger.With().Str("component", "registry").Logger(),
		workspaces: entries,
		sessions:   make(map[string]Session),
	}, nil
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newWorkspaceID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NormalizePath returns path with ~ expanded, made absolute, and cleaned.
// Symlinks are not resolved.
func NormalizePath(path string) (string, error) {
	path = config.ExpandHome(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// List returns all workspaces ordered by sort order, then name.
func (r *Registry) List() []types.WorkspaceInfo {
	r.wsMu.Lock()
	out := make([]types.WorkspaceInfo, 0, len(r.workspaces))
	for _, e := range r.workspaces {
		out = append(out, types.WorkspaceInfo{WorkspaceEntry: e.Clone()})
	}
	r.wsMu.Unlock()

	r.sessMu.Lock()
	for i := range out {
		_, out[i].Connected = r.sessions[out[i].ID]
	}
	r.sessMu.Unlock()

	slices.SortFunc(out, func(a, b types.WorkspaceInfo) int {
		if c := compareSortOrder(a.Settings.SortOrder, b.Settings.SortOrder); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func compareSortOrder(a, b *uint32) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id string) (types.WorkspaceEntry, error) {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	e, ok := r.workspaces[id]
	if !ok {
		return types.WorkspaceEntry{}, ErrWorkspaceNotFound
	}
	return e.Clone(), nil
}

// Info returns the RPC view of a workspace.
func (r *Registry) Info(id string) (types.WorkspaceInfo, error) {
	e, err := r.Lookup(id)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{WorkspaceEntry: e, Connected: r.connected(id)}, nil
}

// Session returns the live session for id.
func (r *Registry) Session(id string) (Session, error) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotConnected
	}
	return s, nil
}

func (r *Registry) connected(id string) bool {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Add registers the directory at path as a main workspace and starts its
// session. If the session cannot be started the entry is removed again.
func (r *Registry) Add(ctx context.Context, path string, codexBin *string) (types.WorkspaceInfo, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if info, err := os.Stat(normalized); err != nil || !info.IsDir() {
		return types.WorkspaceInfo{}, fmt.Errorf("workspace path must be a directory: %s", normalized)
	}

	entry := types.WorkspaceEntry{
		ID:       newWorkspaceID(),
		Name:     filepath.Base(normalized),
		Path:     normalized,
		CodexBin: codexBin,
		Kind:     types.WorkspaceKindMain,
	}
	if err := r.insert(entry, true); err != nil {
		return types.WorkspaceInfo{}, err
	}
	if err := r.startSession(ctx, entry); err != nil {
		r.rollback(entry.ID)
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{WorkspaceEntry: entry.Clone(), Connected: true}, nil
}

// insert adds entry and persists. With uniquePath set, an existing entry for
// the same path is an error.
func (r *Registry) insert(entry types.WorkspaceEntry, uniquePath bool) error {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	if uniquePath {
		for _, e := range r.workspaces {
			if e.Path == entry.Path {
				return fmt.Errorf("%w: %s", ErrDuplicatePath, entry.Path)
			}
		}
	}
	r.workspaces[entry.ID] = entry
	if err := r.store.Save(r.workspaces); err != nil {
		delete(r.workspaces, entry.ID)
		return fmt.Errorf("save workspaces: %w", err)
	}
	return nil
}

// rollback undoes an insert after a later step failed.
func (r *Registry) rollback(id string) {
	if err := r.removeEntries([]string{id}); err != nil {
		r.log.Warn().Err(err).Str("workspace", id).Msg("rollback failed")
	}
}

// mutate applies fn to the entry for id and persists the result.
func (r *Registry) mutate(id string, fn func(*types.WorkspaceEntry) error) (types.WorkspaceEntry, error) {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	prev, ok := r.workspaces[id]
	if !ok {
		return types.WorkspaceEntry{}, ErrWorkspaceNotFound
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return types.WorkspaceEntry{}, err
	}
	r.workspaces[id] = next
	if err := r.store.Save(r.workspaces); err != nil {
		r.workspaces[id] = prev
		return types.WorkspaceEntry{}, fmt.Errorf("save workspaces: %w", err)
	}
	return next.Clone(), nil
}

// removeEntries deletes workspaces and persists. Sessions still registered for
// them are detached and closed.
func (r *Registry) removeEntries(ids []string) error {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()

	removed := make(map[string]types.WorkspaceEntry, len(ids))
	for _, id := range ids {
		if e, ok := r.workspaces[id]; ok {
			removed[id] = e
			delete(r.workspaces, id)
		}
	}
	if err := r.store.Save(r.workspaces); err != nil {
		for id, e := range removed {
			r.workspaces[id] = e
		}
		return fmt.Errorf("save workspaces: %w", err)
	}

	var detached []Session
	r.sessMu.Lock()
	for id := range removed {
		if s, ok := r.sessions[id]; ok {
			detached = append(detached, s)
			delete(r.sessions, id)
		}
	}
	r.sessMu.Unlock()

	for _, s := range detached {
		_ = s.Close()
	}
	return nil
}

func (r *Registry) spawnRequest(entry types.WorkspaceEntry) SpawnRequest {
	settings := r.settings.Snapshot()
	req := SpawnRequest{
		Entry:      entry,
		DefaultBin: types.Deref(settings.CodexBin),
		Args:       types.Deref(settings.CodexArgs),
		Home:       types.Deref(r.CodexHomeOverride(entry)),
	}
	if entry.Settings.CodexArgs != nil {
		req.Args = *entry.Settings.CodexArgs
	}
	return req
}

// CodexHomeOverride returns the agent home configured for entry, falling
// back to its parent's. Nil means the default home.
func (r *Registry) CodexHomeOverride(entry types.WorkspaceEntry) *string {
	if types.Deref(entry.Settings.CodexHome) == "" && entry.ParentID != nil {
		if parent, err := r.Lookup(*entry.ParentID); err == nil {
			return parent.Settings.CodexHome
		}
	}
	return entry.Settings.CodexHome
}

// startSession spawns a session for entry and registers it. A session is only
// registered while its workspace still exists.
func (r *Registry) startSession(ctx context.Context, entry types.WorkspaceEntry) error {
	sess, err := r.factory.Spawn(ctx, r.spawnRequest(entry))
	if err != nil {
		return err
	}

	r.wsMu.Lock()
	if _, ok := r.workspaces[entry.ID]; !ok {
		r.wsMu.Unlock()
		_ = sess.Close()
		return ErrWorkspaceNotFound
	}
	r.sessMu.Lock()
	_, dup := r.sessions[entry.ID]
	if !dup {
		r.sessions[entry.ID] = sess
	}
	r.sessMu.Unlock()
	r.wsMu.Unlock()

	if dup {
		// Lost a race with a concurrent connect; keep the first session.
		_ = sess.Close()
		return nil
	}
	r.log.Info().Str("workspace", entry.ID).Str("path", entry.Path).Msg("session started")
	return nil
}

func (r *Registry) takeSession(id string) Session {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Connect starts the session for id. It is a no-op when one is running.
func (r *Registry) Connect(ctx context.Context, id string) error {
	if r.connected(id) {
		return nil
	}
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return r.startSession(ctx, entry)
}

// Disconnect stops the session for id, if any.
func (r *Registry) Disconnect(id string) error {
	if _, err := r.Lookup(id); err != nil {
		return err
	}
	if s := r.takeSession(id); s != nil {
		if err := s.Close(); err != nil {
			r.log.Debug().Err(err).Str("workspace", id).Msg("session close")
		}
		r.log.Info().Str("workspace", id).Msg("session stopped")
	}
	return nil
}

// restart replaces a running session so new settings take effect.
// Disconnected workspaces are left alone.
func (r *Registry) restart(ctx context.Context, id string) error {
	s := r.takeSession(id)
	if s == nil {
		return nil
	}
	_ = s.Close()
	return r.Connect(ctx, id)
}

// Remove deletes a workspace. Removing a main workspace also removes its
// worktrees from disk; the main workspace's own directory is never touched.
func (r *Registry) Remove(ctx context.Context, id string) error {
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if entry.Kind.IsWorktree() {
		return r.RemoveWorktree(ctx, id)
	}

	ids := []string{id}
	var failures []error
	for _, child := range r.children(id) {
		_ = r.Disconnect(child.ID)
		if err := r.removeWorktreeFiles(ctx, entry.Path, child); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", child.Name, err))
			continue
		}
		ids = append(ids, child.ID)
	}
	if len(failures) > 0 {
		// Keep the parent so the remaining worktrees stay reachable.
		if err := r.removeEntries(ids[1:]); err != nil {
			return err
		}
		return fmt.Errorf("failed to remove worktrees: %w", errors.Join(failures...))
	}

	_ = r.Disconnect(id)
	if err := r.removeEntries(ids); err != nil {
		return err
	}
	for _, removed := range ids {
		r.clearWorkspaceData(removed)
	}
	r.log.Info().Str("workspace", id).Int("worktrees", len(ids)-1).Msg("workspace removed")
	return nil
}

// RemoveWorktree deletes a worktree workspace and its checkout.
func (r *Registry) RemoveWorktree(ctx context.Context, id string) error {
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if !entry.Kind.IsWorktree() {
		return ErrNotWorktree
	}
	_ = r.Disconnect(id)

	repoDir := entry.Path
	if parent, err := r.parentOf(entry); err == nil {
		repoDir = parent.Path
	}
	if err := r.removeWorktreeFiles(ctx, repoDir, entry); err != nil {
		return err
	}
	if err := r.removeEntries([]string{id}); err != nil {
		return err
	}
	r.clearWorkspaceData(id)
	r.log.Info().Str("workspace", id).Msg("worktree removed")
	return nil
}

// removeWorktreeFiles detaches the worktree from its repository and deletes
// the checkout. A worktree git no longer knows about counts as detached.
func (r *Registry) removeWorktreeFiles(ctx context.Context, repoDir string, wt types.WorkspaceEntry) error {
	if _, err := r.git.Run(ctx, repoDir, "worktree", "remove", "--force", wt.Path); err != nil {
		if !r.git.IsMissingWorktreeError(err) {
			return err
		}
		r.log.Debug().Err(err).Str("path", wt.Path).Msg("worktree already detached")
		_, _ = r.git.Run(ctx, repoDir, "worktree", "prune", "--expire", "now")
	}
	if err := os.RemoveAll(wt.Path); err != nil {
		return fmt.Errorf("remove worktree directory: %w", err)
	}
	return nil
}

func (r *Registry) children(parentID string) []types.WorkspaceEntry {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	var out []types.WorkspaceEntry
	for _, e := range r.workspaces {
		if e.Kind.IsWorktree() && e.ParentID != nil && *e.ParentID == parentID {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b types.WorkspaceEntry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) parentOf(entry types.WorkspaceEntry) (types.WorkspaceEntry, error) {
	if entry.ParentID == nil {
		return types.WorkspaceEntry{}, ErrWorkspaceNotFound
	}
	return r.Lookup(*entry.ParentID)
}

// UpdateSettings replaces a workspace's settings. A connected session is
// restarted when the agent home or arguments change.
func (r *Registry) UpdateSettings(ctx context.Context, id string, settings types.WorkspaceSettings) (types.WorkspaceInfo, error) {
	var needsRestart bool
	entry, err := r.mutate(id, func(e *types.WorkspaceEntry) error {
		needsRestart = types.Deref(e.Settings.CodexHome) != types.Deref(settings.CodexHome) ||
			types.Deref(e.Settings.CodexArgs) != types.Deref(settings.CodexArgs)
		e.Settings = settings.Clone()
		return nil
	})
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	if needsRestart {
		if err := r.restart(ctx, id); err != nil {
			return types.WorkspaceInfo{}, fmt.Errorf("restart session: %w", err)
		}
	}
	return types.WorkspaceInfo{WorkspaceEntry: entry, Connected: r.connected(id)}, nil
}

// UpdateBinaryOverride sets or clears the workspace's agent binary. The new
// binary is used from the next connect.
func (r *Registry) UpdateBinaryOverride(id string, bin *string) (types.WorkspaceInfo, error) {
	entry, err := r.mutate(id, func(e *types.WorkspaceEntry) error {
		if bin != nil && *bin == "" {
			bin = nil
		}
		e.CodexBin = bin
		return nil
	})
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{WorkspaceEntry: entry, Connected: r.connected(id)}, nil
}

// Rename changes a workspace's display name.
func (r *Registry) Rename(id, name string) (types.WorkspaceInfo, error) {
	if name == "" {
		return types.WorkspaceInfo{}, errors.New("workspace name is required")
	}
	entry, err := r.mutate(id, func(e *types.WorkspaceEntry) error {
		e.Name = name
		return nil
	})
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{WorkspaceEntry: entry, Connected: r.connected(id)}, nil
}

// CloseAll stops every session. Entries are kept.
func (r *Registry) CloseAll() {
	r.sessMu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.sessMu.Unlock()
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			r.log.Debug().Err(err).Str("workspace", id).Msg("session close")
		}
	}
}
