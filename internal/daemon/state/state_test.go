package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/storage"
	"github.com/leonletto/anchord/internal/types"
)

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Request(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (s *fakeSession) Notify(context.Context, string, any) error            { return nil }
func (s *fakeSession) Respond(context.Context, json.RawMessage, any) error { return nil }
func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	fail     error
	requests []SpawnRequest
	sessions []*fakeSession
}

func (f *fakeFactory) Spawn(_ context.Context, req SpawnRequest) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail != nil {
		return nil, f.fail
	}
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() (SpawnRequest, *fakeSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.sessions[len(f.sessions)-1]
}

var errMissingWorktree = errors.New("fatal: '/x' is not a working tree")

// fakeGit records commands and simulates the filesystem effects of the
// worktree and clone commands the registry issues.
type fakeGit struct {
	mu       sync.Mutex
	commands []string
	branches map[string]bool
	fail     map[string]error // keyed by the first two args, e.g. "worktree remove"
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]bool{}, fail: map[string]error{}}
}

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	g.mu.Lock()
	g.commands = append(g.commands, strings.Join(args, " "))
	err := g.fail[strings.Join(args[:min(2, len(args))], " ")]
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	switch {
	case len(args) >= 3 && args[0] == "worktree" && args[1] == "add":
		path := args[2]
		if args[2] == "-b" {
			path = args[4]
		}
		return "", os.MkdirAll(path, 0o750)
	case len(args) == 4 && args[0] == "worktree" && args[1] == "move":
		return "", os.Rename(args[2], args[3])
	case len(args) == 3 && args[0] == "clone":
		return "", os.MkdirAll(args[2], 0o750)
	case len(args) == 3 && args[0] == "remote" && args[1] == "get-url":
		return "git@example.com:acme/repo.git\n", nil
	}
	return "", nil
}

func (g *fakeGit) RunInput(ctx context.Context, dir, _ string, args ...string) (string, error) {
	return g.Run(ctx, dir, args...)
}

func (g *fakeGit) BranchExists(_ context.Context, _, branch string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[branch], nil
}

func (g *fakeGit) IsMissingWorktreeError(err error) bool {
	return errors.Is(err, errMissingWorktree)
}

func (g *fakeGit) ran(cmd string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

type staticSettings struct{ s config.AppSettings }

func (s staticSettings) Snapshot() config.AppSettings { return s.s.Clone() }

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Save(entries map[string]types.WorkspaceEntry) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(entries)
}

type harness struct {
	reg     *Registry
	factory *fakeFactory
	git     *fakeGit
	store   *storage.WorkspaceStore
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	h := &harness{
		factory: &fakeFactory{},
		git:     newFakeGit(),
		store:   storage.NewWorkspaceStore(dataDir),
		dataDir: dataDir,
	}
	reg, err := NewRegistry(Options{
		DataDir:  dataDir,
		Store:    h.store,
		Factory:  h.factory,
		Git:      h.git,
		Settings: staticSettings{config.DefaultAppSettings()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	h.reg = reg
	return h
}

func (h *harness) assertSessionsSubset(t *testing.T) {
	t.Helper()
	h.reg.wsMu.Lock()
	defer h.reg.wsMu.Unlock()
	h.reg.sessMu.Lock()
	defer h.reg.sessMu.Unlock()
	for id := range h.reg.sessions {
		assert.Contains(t, h.reg.workspaces, id, "session without workspace")
	}
}

func TestAdd_ListRemoveRoundTrip(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	info, err := h.reg.Add(context.Background(), dir+"/./", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), info.Path)
	assert.Equal(t, filepath.Base(dir), info.Name)
	assert.Equal(t, types.WorkspaceKindMain, info.Kind)
	assert.True(t, info.Connected)
	assert.Len(t, info.ID, 26)

	list := h.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)
	assert.True(t, list[0].Connected)

	persisted, err := h.store.Load()
	require.NoError(t, err)
	assert.Contains(t, persisted, info.ID)

	require.NoError(t, h.reg.Remove(context.Background(), info.ID))
	assert.Empty(t, h.reg.List())
	_, sess := h.factory.last()
	assert.True(t, sess.closed.Load())
	assert.DirExists(t, dir, "main workspace directory must survive removal")

	persisted, err = h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestAdd_RejectsNonDirectoryAndDuplicates(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := h.reg.Add(context.Background(), file, nil)
	assert.ErrorContains(t, err, "must be a directory")

	_, err = h.reg.Add(context.Background(), filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)

	_, err = h.reg.Add(context.Background(), dir, nil)
	require.NoError(t, err)
	_, err = h.reg.Add(context.Background(), dir+"/", nil)
	assert.ErrorIs(t, err, ErrDuplicatePath)
	assert.Len(t, h.reg.List(), 1)
}

func TestAdd_SpawnFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.factory.fail = errors.New("codex not found")

	_, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	assert.EqualError(t, err, "codex not found")
	assert.Empty(t, h.reg.List())

	persisted, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestAdd_PersistFailureLeavesNoEntry(t *testing.T) {
	dataDir := t.TempDir()
	store := &failingStore{Store: storage.NewWorkspaceStore(dataDir), fail: true}
	factory := &fakeFactory{}
	reg, err := NewRegistry(Options{
		DataDir: dataDir, Store: store, Factory: factory, Git: newFakeGit(),
		Settings: staticSettings{config.DefaultAppSettings()}, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = reg.Add(context.Background(), t.TempDir(), nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, reg.List())
	assert.Zero(t, factory.spawned())
}

func TestRegistry_LoadsPersistedWorkspacesDisconnected(t *testing.T) {
	h := newHarness(t)
	info, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	reg, err := NewRegistry(Options{
		DataDir: h.dataDir, Store: h.store, Factory: h.factory, Git: h.git,
		Settings: staticSettings{config.DefaultAppSettings()}, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)
	assert.False(t, list[0].Connected)
}

func TestConnect_Idempotent(t *testing.T) {
	h := newHarness(t)
	info, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, h.reg.Connect(context.Background(), info.ID))
	require.NoError(t, h.reg.Connect(context.Background(), info.ID))
	assert.Equal(t, 1, h.factory.spawned())

	require.NoError(t, h.reg.Disconnect(info.ID))
	_, err = h.reg.Session(info.ID)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, h.reg.Connect(context.Background(), info.ID))
	assert.Equal(t, 2, h.factory.spawned())

	assert.ErrorIs(t, h.reg.Connect(context.Background(), "nope"), ErrWorkspaceNotFound)
}

func TestSpawnRequest_UsesOverrides(t *testing.T) {
	h := newHarness(t)
	settings := config.DefaultAppSettings()
	settings.CodexBin = types.StringPtr("/usr/local/bin/codex")
	settings.CodexArgs = types.StringPtr("--global")
	h.reg.settings = staticSettings{settings}

	info, err := h.reg.Add(context.Background(), t.TempDir(), types.StringPtr("/opt/codex"))
	require.NoError(t, err)
	req, _ := h.factory.last()
	assert.Equal(t, "/usr/local/bin/codex", req.DefaultBin)
	assert.Equal(t, "--global", req.Args)
	assert.Equal(t, "/opt/codex", types.Deref(req.Entry.CodexBin))
	assert.Empty(t, req.Home)

	_, err = h.reg.UpdateSettings(context.Background(), info.ID, types.WorkspaceSettings{
		CodexArgs: types.StringPtr("--local"),
		CodexHome: types.StringPtr("/tmp/codex-home"),
	})
	require.NoError(t, err)
	req, _ = h.factory.last()
	assert.Equal(t, "--local", req.Args)
	assert.Equal(t, "/tmp/codex-home", req.Home)
}

func TestUpdateSettings_RestartsOnlyWhenAgentConfigChanges(t *testing.T) {
	h := newHarness(t)
	info, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	_, first := h.factory.last()

	updated, err := h.reg.UpdateSettings(context.Background(), info.ID, types.WorkspaceSettings{SidebarCollapsed: true})
	require.NoError(t, err)
	assert.True(t, updated.Settings.SidebarCollapsed)
	assert.Equal(t, 1, h.factory.spawned())

	_, err = h.reg.UpdateSettings(context.Background(), info.ID, types.WorkspaceSettings{CodexArgs: types.StringPtr("--fast")})
	require.NoError(t, err)
	assert.Equal(t, 2, h.factory.spawned())
	assert.True(t, first.closed.Load())

	_, err = h.reg.UpdateSettings(context.Background(), "missing", types.WorkspaceSettings{})
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestUpdateBinaryOverrideAndRename(t *testing.T) {
	h := newHarness(t)
	info, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	updated, err := h.reg.UpdateBinaryOverride(info.ID, types.StringPtr("/bin/codex2"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/codex2", types.Deref(updated.CodexBin))

	empty := ""
	updated, err = h.reg.UpdateBinaryOverride(info.ID, &empty)
	require.NoError(t, err)
	assert.Nil(t, updated.CodexBin)

	renamed, err := h.reg.Rename(info.ID, "Backend")
	require.NoError(t, err)
	assert.Equal(t, "Backend", renamed.Name)

	_, err = h.reg.Rename(info.ID, "")
	assert.Error(t, err)
}

func TestList_SortsBySortOrderThenName(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o750))
		_, err := h.reg.Add(context.Background(), filepath.Join(root, name), nil)
		require.NoError(t, err)
	}
	var charlie string
	for _, w := range h.reg.List() {
		if w.Name == "charlie" {
			charlie = w.ID
		}
	}
	order := uint32(0)
	_, err := h.reg.UpdateSettings(context.Background(), charlie, types.WorkspaceSettings{SortOrder: &order})
	require.NoError(t, err)

	var names []string
	for _, w := range h.reg.List() {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{"charlie", "alpha", "bravo"}, names)
}

func TestConcurrentAddRemove_SessionsStayWithinWorkspaces(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()

	var wg sync.WaitGroup
	for i := range 16 {
		dir := filepath.Join(root, fmt.Sprintf("ws-%d", i))
		require.NoError(t, os.Mkdir(dir, 0o750))
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := h.reg.Add(context.Background(), dir, nil)
			if err != nil {
				return
			}
			_ = h.reg.Connect(context.Background(), info.ID)
			if i%2 == 0 {
				_ = h.reg.Remove(context.Background(), info.ID)
			}
		}()
	}
	wg.Wait()

	h.assertSessionsSubset(t)
	assert.Len(t, h.reg.List(), 8)
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Add(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	h.reg.CloseAll()

	_, sess := h.factory.last()
	assert.True(t, sess.closed.Load())
	assert.False(t, h.reg.List()[0].Connected)
}
