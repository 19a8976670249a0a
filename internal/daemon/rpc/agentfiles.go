package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leonletto/anchord/internal/appserver"
	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/files"
	"github.com/leonletto/anchord/internal/prompts"
	"github.com/leonletto/anchord/internal/types"
	"github.com/leonletto/anchord/internal/usage"
)

// Agent instruction and config files addressable through file_read and
// file_write.
const (
	fileScopeWorkspace = "workspace"
	fileScopeGlobal    = "global"
	fileKindAgents     = "agents"
	fileKindConfig     = "config"

	agentsFile    = "AGENTS.md"
	promptsSubdir = "prompts"
)

//nolint:staticcheck // ST1005: shown to users verbatim
var errWorkspaceConfig = errors.New("Workspace config files are not supported.")

type agentFileHandlers struct {
	deps Deps
}

func registerAgentFiles(d *Dispatcher, deps Deps) {
	h := &agentFileHandlers{deps: deps}
	d.Register("file_read", h.fileRead)
	d.Register("file_write", h.fileWrite)
	d.Register("remember_approval_rule", h.rememberApprovalRule)
	d.Register("prompts_list", h.promptsList)
	d.Register("prompts_workspace_dir", h.promptsDir(prompts.ScopeWorkspace))
	d.Register("prompts_global_dir", h.promptsDir(prompts.ScopeGlobal))
	d.Register("prompts_create", h.promptsCreate)
	d.Register("prompts_update", h.promptsUpdate)
	d.Register("prompts_delete", h.promptsDelete)
	d.Register("prompts_move", h.promptsMove)
	d.Register("codex_doctor", h.doctor)
	d.Register("local_usage_snapshot", h.usageSnapshot)
}

// codexHome is the agent home used by a workspace.
func (h *agentFileHandlers) codexHome(entry types.WorkspaceEntry) string {
	return config.CodexHome(h.deps.Registry.CodexHomeOverride(entry))
}

// filePath maps a scope and kind to the file they name.
func (h *agentFileHandlers) filePath(p Params) (string, string, error) {
	scope, err := p.String("scope")
	if err != nil {
		return "", "", err
	}
	kind, err := p.String("kind")
	if err != nil {
		return "", "", err
	}
	if kind != fileKindAgents && kind != fileKindConfig {
		return "", "", fmt.Errorf("unknown file kind: %s", kind)
	}
	switch scope {
	case fileScopeGlobal:
		home := config.CodexHome(nil)
		if kind == fileKindConfig {
			return config.CodexConfigPath(home), kind, nil
		}
		return filepath.Join(home, agentsFile), kind, nil
	case fileScopeWorkspace:
		if kind == fileKindConfig {
			return "", "", errWorkspaceConfig
		}
		entry, err := workspaceParam(h.deps.Registry, p)
		if err != nil {
			return "", "", err
		}
		return filepath.Join(entry.Path, agentsFile), kind, nil
	}
	return "", "", fmt.Errorf("unknown file scope: %s", scope)
}

func (h *agentFileHandlers) fileRead(_ context.Context, p Params) (any, error) {
	path, _, err := h.filePath(p)
	if err != nil {
		return nil, err
	}
	return files.ReadText(path)
}

func (h *agentFileHandlers) fileWrite(_ context.Context, p Params) (any, error) {
	path, kind, err := h.filePath(p)
	if err != nil {
		return nil, err
	}
	content, err := p.String("content")
	if err != nil {
		return nil, err
	}
	if kind == fileKindConfig {
		if err := config.ValidateCodexConfig(content); err != nil {
			return nil, err
		}
	}
	if err := files.WriteText(path, content); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *agentFileHandlers) rememberApprovalRule(_ context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	command, err := p.Strings("command")
	if err != nil {
		return nil, err
	}
	path, err := config.AppendPrefixRule(h.codexHome(entry), command)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "rulesPath": path}, nil
}

func (h *agentFileHandlers) promptDirs(p Params) (prompts.Dirs, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return prompts.Dirs{}, err
	}
	return prompts.Dirs{
		Workspace: filepath.Join(h.deps.Registry.WorkspaceDataDir(entry.ID), promptsSubdir),
		Global:    filepath.Join(h.codexHome(entry), promptsSubdir),
	}, nil
}

func (h *agentFileHandlers) promptsList(_ context.Context, p Params) (any, error) {
	dirs, err := h.promptDirs(p)
	if err != nil {
		return nil, err
	}
	return prompts.List(dirs)
}

// promptsDir returns the directory for scope, creating it so clients can
// open it.
func (h *agentFileHandlers) promptsDir(scope string) Handler {
	return func(_ context.Context, p Params) (any, error) {
		dirs, err := h.promptDirs(p)
		if err != nil {
			return nil, err
		}
		dir := dirs.Global
		if scope == prompts.ScopeWorkspace {
			dir = dirs.Workspace
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create prompts dir: %w", err)
		}
		return dir, nil
	}
}

func (h *agentFileHandlers) promptsCreate(_ context.Context, p Params) (any, error) {
	dirs, err := h.promptDirs(p)
	if err != nil {
		return nil, err
	}
	scope, err := p.String("scope")
	if err != nil {
		return nil, err
	}
	name, err := p.String("name")
	if err != nil {
		return nil, err
	}
	content, err := p.String("content")
	if err != nil {
		return nil, err
	}
	return prompts.Create(dirs, scope, name, p.OptStringPtr("description"), p.OptStringPtr("argumentHint"), content)
}

func (h *agentFileHandlers) promptsUpdate(_ context.Context, p Params) (any, error) {
	dirs, err := h.promptDirs(p)
	if err != nil {
		return nil, err
	}
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	name, err := p.String("name")
	if err != nil {
		return nil, err
	}
	content, err := p.String("content")
	if err != nil {
		return nil, err
	}
	return prompts.Update(dirs, path, name, p.OptStringPtr("description"), p.OptStringPtr("argumentHint"), content)
}

func (h *agentFileHandlers) promptsDelete(_ context.Context, p Params) (any, error) {
	dirs, err := h.promptDirs(p)
	if err != nil {
		return nil, err
	}
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	if err := prompts.Delete(dirs, path); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *agentFileHandlers) promptsMove(_ context.Context, p Params) (any, error) {
	dirs, err := h.promptDirs(p)
	if err != nil {
		return nil, err
	}
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	scope, err := p.String("scope")
	if err != nil {
		return nil, err
	}
	return prompts.Move(dirs, path, scope)
}

// doctor checks the agent binary named in params, else the configured one.
func (h *agentFileHandlers) doctor(ctx context.Context, p Params) (any, error) {
	var bin, args string
	if h.deps.Settings != nil {
		settings := h.deps.Settings.Snapshot()
		bin = types.Deref(settings.CodexBin)
		args = types.Deref(settings.CodexArgs)
	}
	if v, ok := p.OptString("codexBin"); ok && v != "" {
		bin = v
	}
	if v, ok := p.OptString("codexArgs"); ok {
		args = v
	}
	return appserver.Doctor(ctx, config.ExpandHome(bin), args), nil
}

func (h *agentFileHandlers) usageSnapshot(_ context.Context, p Params) (any, error) {
	days, _ := p.OptUint32("days")
	path, _ := p.OptString("workspacePath")
	return usage.NewScanner(config.CodexHome(nil)).Snapshot(int(days), path)
}
