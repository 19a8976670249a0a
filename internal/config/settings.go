package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/storage"
)

// AppSettings is the process-wide settings document (settings.json).
// Keys this daemon does not model are kept in Extra and written back untouched.
type AppSettings struct {
	CodexBin                       *string `json:"codexBin,omitempty"`
	CodexArgs                      *string `json:"codexArgs,omitempty"`
	BackendMode                    string  `json:"backendMode"`
	RemoteBackendProvider          string  `json:"remoteBackendProvider"`
	RemoteBackendHost              string  `json:"remoteBackendHost"`
	RemoteBackendToken             *string `json:"remoteBackendToken,omitempty"`
	OrbitWsURL                     *string `json:"orbitWsUrl,omitempty"`
	OrbitAuthURL                   *string `json:"orbitAuthUrl,omitempty"`
	OrbitRunnerName                *string `json:"orbitRunnerName,omitempty"`
	DefaultAccessMode              string  `json:"defaultAccessMode"`
	GitDiffIgnoreWhitespaceChanges bool    `json:"gitDiffIgnoreWhitespaceChanges"`

	Extra map[string]json.RawMessage `json:"-"`
}

// DefaultAppSettings returns the settings used when settings.json is absent.
func DefaultAppSettings() AppSettings {
	return AppSettings{
		BackendMode:           "local",
		RemoteBackendProvider: "tcp",
		RemoteBackendHost:     DefaultListenAddr,
		DefaultAccessMode:     "current",
	}
}

type appSettingsFields AppSettings

var knownSettingsKeys = func() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(appSettingsFields{})
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}()

// UnmarshalJSON decodes known fields over the defaults and keeps the rest in Extra.
func (s *AppSettings) UnmarshalJSON(data []byte) error {
	fields := appSettingsFields(DefaultAppSettings())
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownSettingsKeys[key] {
			delete(raw, key)
		}
	}
	*s = AppSettings(fields)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// MarshalJSON writes known fields plus any preserved Extra keys.
func (s AppSettings) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(appSettingsFields(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.Extra {
		if !knownSettingsKeys[key] {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy of s.
func (s AppSettings) Clone() AppSettings {
	out := s
	out.CodexBin = cloneStr(s.CodexBin)
	out.CodexArgs = cloneStr(s.CodexArgs)
	out.RemoteBackendToken = cloneStr(s.RemoteBackendToken)
	out.OrbitWsURL = cloneStr(s.OrbitWsURL)
	out.OrbitAuthURL = cloneStr(s.OrbitAuthURL)
	out.OrbitRunnerName = cloneStr(s.OrbitRunnerName)
	if s.Extra != nil {
		out.Extra = maps.Clone(s.Extra)
	}
	return out
}

// SettingsStore guards the live AppSettings and persists them to settings.json.
type SettingsStore struct {
	path    string
	log     zerolog.Logger
	mu      sync.RWMutex
	current AppSettings
}

// OpenSettings loads settings.json from dataDir. A missing or unreadable file
// yields defaults; the daemon must still start with a corrupt settings file.
func OpenSettings(dataDir string, log zerolog.Logger) *SettingsStore {
	s := &SettingsStore{
		path:    filepath.Join(dataDir, storage.SettingsFile),
		log:     log.With().Str("component", "settings").Logger(),
		current: DefaultAppSettings(),
	}
	if loaded, err := s.read(); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("using default settings")
	} else {
		s.current = loaded
	}
	return s
}

// Path returns the settings file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Snapshot returns a copy of the current settings. Callers never hold the lock
// across slow work.
func (s *SettingsStore) Snapshot() AppSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Update persists next and makes it current.
func (s *SettingsStore) Update(next AppSettings) (AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.WriteJSON(s.path, next); err != nil {
		return AppSettings{}, fmt.Errorf("save settings: %w", err)
	}
	s.current = next.Clone()
	return s.current.Clone(), nil
}

// SetRemoteBackendToken replaces only the remote token; nil clears it.
func (s *SettingsStore) SetRemoteBackendToken(token *string) (AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.Clone()
	next.RemoteBackendToken = cloneStr(token)
	if err := storage.WriteJSON(s.path, next); err != nil {
		return AppSettings{}, fmt.Errorf("save settings: %w", err)
	}
	s.current = next
	return next.Clone(), nil
}

// Reload re-reads settings.json, keeping the current value if the file is
// missing or invalid.
func (s *SettingsStore) Reload() error {
	loaded, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Watch reloads settings when settings.json is changed by another process.
// It blocks until ctx is done.
func (s *SettingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: atomic renames replace the file's inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn().Err(err).Msg("ignoring invalid settings change")
				continue
			}
			s.log.Debug().Msg("settings reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func (s *SettingsStore) read() (AppSettings, error) {
	settings := DefaultAppSettings()
	found, err := storage.ReadJSON(s.path, &settings)
	if err != nil {
		return AppSettings{}, err
	}
	if !found {
		return DefaultAppSettings(), nil
	}
	return settings, nil
}

// ErrNoOrbitURL is returned when relay settings are requested but not configured.
var ErrNoOrbitURL = errors.New("orbit websocket URL is not configured")

// OrbitWebSocketURL returns the configured relay URL from settings.
func (s AppSettings) OrbitWebSocketURL() (string, error) {
	if s.OrbitWsURL == nil || strings.TrimSpace(*s.OrbitWsURL) == "" {
		return "", ErrNoOrbitURL
	}
	return strings.TrimSpace(*s.OrbitWsURL), nil
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ErrNoOrbitAuthURL is returned when relay sign-in is requested but no auth
// URL is configured.
var ErrNoOrbitAuthURL = errors.New("orbit auth URL is not configured")

// OrbitAuthBaseURL returns the configured relay auth URL without a trailing
// slash.
func (s AppSettings) OrbitAuthBaseURL() (string, error) {
	if s.OrbitAuthURL == nil || strings.TrimSpace(*s.OrbitAuthURL) == "" {
		return "", ErrNoOrbitAuthURL
	}
	return strings.TrimRight(strings.TrimSpace(*s.OrbitAuthURL), "/"), nil
}
