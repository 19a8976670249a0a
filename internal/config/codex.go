package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// CodexHome resolves the agent home directory: an explicit override, then
// $CODEX_HOME, then ~/.codex.
func CodexHome(override *string) string {
	if override != nil {
		if v := strings.TrimSpace(*override); v != "" {
			return ExpandHome(v)
		}
	}
	if v := envString("CODEX_HOME"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

// CodexConfigPath returns the agent's config.toml inside home.
func CodexConfigPath(home string) string {
	return filepath.Join(home, "config.toml")
}

type codexConfigFile struct {
	Model *string `toml:"model"`
}

// ReadConfigModel returns the top-level `model` key of config.toml in home,
// or nil when the file or key is absent.
func ReadConfigModel(home string) (*string, error) {
	data, err := os.ReadFile(CodexConfigPath(home)) //nolint:gosec // G304 - agent config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config.toml: %w", err)
	}
	var cfg codexConfigFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.toml: %w", err)
	}
	if cfg.Model == nil || strings.TrimSpace(*cfg.Model) == "" {
		return nil, nil
	}
	model := strings.TrimSpace(*cfg.Model)
	return &model, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// ValidateCodexConfig reports whether content parses as TOML.
func ValidateCodexConfig(content string) error {
	var v map[string]any
	if err := toml.Unmarshal([]byte(content), &v); err != nil {
		return fmt.Errorf("invalid config.toml: %w", err)
	}
	return nil
}
