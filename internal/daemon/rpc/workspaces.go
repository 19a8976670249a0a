package rpc

import (
	"context"
	"os"
	"strings"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/files"
	"github.com/leonletto/anchord/internal/types"
)

type workspaceHandlers struct {
	deps Deps
}

func registerWorkspaces(d *Dispatcher, deps Deps) {
	h := &workspaceHandlers{deps: deps}
	d.Register("ping", func(context.Context, Params) (any, error) { return okResult, nil })
	d.Register("list_workspaces", h.list)
	d.Register("is_workspace_path_dir", h.isPathDir)
	d.Register("add_workspace", h.add)
	d.Register("add_worktree", h.addWorktree)
	d.Register("add_clone", h.addClone)
	d.Register("connect_workspace", h.connect)
	d.Register("disconnect_workspace", h.disconnect)
	d.Register("remove_workspace", h.remove)
	d.Register("remove_worktree", h.removeWorktree)
	d.Register("rename_workspace", h.rename)
	d.Register("rename_worktree", h.renameWorktree)
	d.Register("rename_worktree_upstream", h.renameWorktreeUpstream)
	d.Register("update_workspace_settings", h.updateSettings)
	d.Register("update_workspace_codex_bin", h.updateCodexBin)
	d.Register("worktree_setup_status", h.setupStatus)
	d.Register("worktree_setup_mark_ran", h.setupMarkRan)
	d.Register("apply_worktree_changes", h.applyWorktreeChanges)
	d.Register("list_workspace_files", h.listFiles)
	d.Register("read_workspace_file", h.readFile)
}

func (h *workspaceHandlers) list(context.Context, Params) (any, error) {
	return h.deps.Registry.List(), nil
}

func (h *workspaceHandlers) isPathDir(_ context.Context, p Params) (any, error) {
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(config.ExpandHome(path))
	return err == nil && info.IsDir(), nil
}

func (h *workspaceHandlers) add(ctx context.Context, p Params) (any, error) {
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.Add(ctx, path, p.OptStringPtr("codex_bin"))
}

func (h *workspaceHandlers) addWorktree(ctx context.Context, p Params) (any, error) {
	parentID, err := p.String("parentId")
	if err != nil {
		return nil, err
	}
	branch, err := p.String("branch")
	if err != nil {
		return nil, err
	}
	name, _ := p.OptString("name")
	copyAgents, ok := p.OptBool("copyAgentsMd")
	if !ok {
		copyAgents = true
	}
	return h.deps.Registry.AddWorktree(ctx, state.AddWorktreeRequest{
		ParentID:     parentID,
		Branch:       branch,
		Name:         name,
		CopyAgentsMd: copyAgents,
	})
}

func (h *workspaceHandlers) addClone(ctx context.Context, p Params) (any, error) {
	sourceID, err := p.String("sourceWorkspaceId")
	if err != nil {
		return nil, err
	}
	folder, err := p.String("copiesFolder")
	if err != nil {
		return nil, err
	}
	name, err := p.String("copyName")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.AddClone(ctx, state.AddCloneRequest{
		SourceID:     sourceID,
		CopiesFolder: folder,
		CopyName:     name,
	})
}

func (h *workspaceHandlers) connect(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.Connect(ctx, id); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *workspaceHandlers) disconnect(_ context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.Disconnect(id); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *workspaceHandlers) remove(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	affected := []string{id}
	for _, ws := range h.deps.Registry.List() {
		if types.Deref(ws.ParentID) == id {
			affected = append(affected, ws.ID)
		}
	}
	if err := h.deps.Registry.Remove(ctx, id); err != nil {
		return nil, err
	}
	h.closeTerminals(affected...)
	return okResult, nil
}

func (h *workspaceHandlers) removeWorktree(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.RemoveWorktree(ctx, id); err != nil {
		return nil, err
	}
	h.closeTerminals(id)
	return okResult, nil
}

func (h *workspaceHandlers) closeTerminals(ids ...string) {
	if h.deps.Terminals == nil {
		return
	}
	for _, id := range ids {
		h.deps.Terminals.CloseWorkspace(id)
	}
}

func (h *workspaceHandlers) rename(_ context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	name, err := p.String("name")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.Rename(id, strings.TrimSpace(name))
}

func (h *workspaceHandlers) renameWorktree(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	branch, err := p.String("branch")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.RenameWorktree(ctx, id, branch)
}

func (h *workspaceHandlers) renameWorktreeUpstream(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	oldBranch, err := p.String("oldBranch")
	if err != nil {
		return nil, err
	}
	newBranch, err := p.String("newBranch")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.RenameWorktreeUpstream(ctx, id, oldBranch, newBranch); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *workspaceHandlers) updateSettings(ctx context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	var settings types.WorkspaceSettings
	if err := p.Decode("settings", &settings); err != nil {
		return nil, err
	}
	return h.deps.Registry.UpdateSettings(ctx, id, settings)
}

func (h *workspaceHandlers) updateCodexBin(_ context.Context, p Params) (any, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.UpdateBinaryOverride(id, p.OptStringPtr("codex_bin"))
}

func (h *workspaceHandlers) setupStatus(_ context.Context, p Params) (any, error) {
	id, err := p.String("workspaceId")
	if err != nil {
		return nil, err
	}
	return h.deps.Registry.WorktreeSetupStatus(id)
}

func (h *workspaceHandlers) setupMarkRan(_ context.Context, p Params) (any, error) {
	id, err := p.String("workspaceId")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.WorktreeSetupMarkRan(id); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *workspaceHandlers) applyWorktreeChanges(ctx context.Context, p Params) (any, error) {
	id, err := p.String("workspaceId")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.ApplyWorktreeChanges(ctx, id); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *workspaceHandlers) listFiles(_ context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	return files.List(entry.Path, 0)
}

func (h *workspaceHandlers) readFile(_ context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	return files.Read(entry.Path, path)
}

// workspaceParam resolves the workspaceId param to its entry.
func workspaceParam(reg *state.Registry, p Params) (types.WorkspaceEntry, error) {
	id, err := p.String("workspaceId")
	if err != nil {
		return types.WorkspaceEntry{}, err
	}
	return reg.Lookup(id)
}
