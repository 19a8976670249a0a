package rpc

import (
	"context"
	"encoding/json"

	"github.com/leonletto/anchord/internal/config"
)

type settingsHandlers struct {
	deps Deps
}

func registerSettings(d *Dispatcher, deps Deps) {
	h := &settingsHandlers{deps: deps}
	d.Register("get_app_settings", h.get)
	d.Register("update_app_settings", h.update)
	d.Register("get_config_model", h.configModel)
	d.Register("get_codex_config_path", h.configPath)
}

func (h *settingsHandlers) get(context.Context, Params) (any, error) {
	return h.deps.Settings.Snapshot(), nil
}

func (h *settingsHandlers) update(_ context.Context, p Params) (any, error) {
	raw, err := p.Value("settings")
	if err != nil {
		return nil, err
	}
	var next config.AppSettings
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, err
	}
	return h.deps.Settings.Update(next)
}

// configModel reports the model configured in the workspace's agent home.
func (h *settingsHandlers) configModel(_ context.Context, p Params) (any, error) {
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	model, err := config.ReadConfigModel(config.CodexHome(h.deps.Registry.CodexHomeOverride(entry)))
	if err != nil {
		return nil, err
	}
	return map[string]*string{"model": model}, nil
}

func (h *settingsHandlers) configPath(context.Context, Params) (any, error) {
	return config.CodexConfigPath(config.CodexHome(nil)), nil
}
