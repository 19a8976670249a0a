package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultListenAddr is the TCP address used when --listen is not given.
const DefaultListenAddr = "127.0.0.1:4732"

// DefaultRunnerName identifies the daemon to the relay when no name is configured.
const DefaultRunnerName = "anchord"

// Environment variables consulted when the matching flag is absent.
const (
	EnvToken           = "ANCHORD_TOKEN"
	EnvOrbitToken      = "ANCHORD_ORBIT_TOKEN"
	EnvOrbitAuthURL    = "ANCHORD_ORBIT_AUTH_URL"
	EnvOrbitRunnerName = "ANCHORD_ORBIT_RUNNER_NAME"
)

// ErrMissingAuth is returned by Validate when inbound mode has neither a token
// nor an explicit opt-out.
var ErrMissingAuth = errors.New("missing --token (or set " + EnvToken + "). Use --insecure-no-auth for local dev only")

// DaemonConfig is the process configuration, built once from flags and env.
// It is not modified after Validate succeeds.
type DaemonConfig struct {
	Listen          string
	WSListen        string
	DataDir         string
	Token           string
	InsecureNoAuth  bool
	OrbitURL        string
	OrbitToken      string
	OrbitAuthURL    string
	OrbitRunnerName string
	LogLevel        string
	LogJSON         bool
}

// RunnerMode reports whether the daemon dials out to a relay instead of listening.
func (c *DaemonConfig) RunnerMode() bool {
	return c.OrbitURL != ""
}

// AuthRequired reports whether inbound connections must authenticate.
func (c *DaemonConfig) AuthRequired() bool {
	return c.Token != ""
}

// ApplyEnv fills unset values from the environment and defaults.
// --insecure-no-auth always clears the token, including one taken from env.
func (c *DaemonConfig) ApplyEnv() {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	c.Token = firstNonEmpty(c.Token, envString(EnvToken))
	if c.InsecureNoAuth {
		c.Token = ""
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.OrbitURL = strings.TrimSpace(c.OrbitURL)
	c.OrbitToken = firstNonEmpty(c.OrbitToken, envString(EnvOrbitToken))
	c.OrbitAuthURL = firstNonEmpty(c.OrbitAuthURL, envString(EnvOrbitAuthURL))
	c.OrbitRunnerName = firstNonEmpty(c.OrbitRunnerName, envString(EnvOrbitRunnerName))
}

// RunnerName returns the configured relay display name or the default.
func (c *DaemonConfig) RunnerName() string {
	if c.OrbitRunnerName != "" {
		return c.OrbitRunnerName
	}
	return DefaultRunnerName
}

// Validate checks the configuration after ApplyEnv.
func (c *DaemonConfig) Validate() error {
	if err := validateAddr(c.Listen); err != nil {
		return fmt.Errorf("invalid --listen address %q: %w", c.Listen, err)
	}
	if c.WSListen != "" {
		if err := validateAddr(c.WSListen); err != nil {
			return fmt.Errorf("invalid --ws-listen address %q: %w", c.WSListen, err)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("--data-dir requires a non-empty value")
	}
	if !c.RunnerMode() && !c.AuthRequired() && !c.InsecureNoAuth {
		return ErrMissingAuth
	}
	return nil
}

// DefaultDataDir returns $XDG_DATA_HOME/anchord, falling back to ~/.local/share/anchord.
func DefaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "anchord")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "anchord")
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	return nil
}

// envString reads a trimmed environment variable.
func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
