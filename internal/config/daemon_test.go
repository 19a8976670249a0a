package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvToken, EnvOrbitToken, EnvOrbitAuthURL, EnvOrbitRunnerName} {
		t.Setenv(k, "")
	}
}

func TestApplyEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/xdg")

	cfg := DaemonConfig{}
	cfg.ApplyEnv()

	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, filepath.Join("/xdg", "anchord"), cfg.DataDir)
	assert.Equal(t, DefaultRunnerName, cfg.RunnerName())
	assert.False(t, cfg.RunnerMode())
}

func TestApplyEnv_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvOrbitRunnerName, "env-runner")

	cfg := DaemonConfig{Token: "from-flag"}
	cfg.ApplyEnv()
	assert.Equal(t, "from-flag", cfg.Token)
	assert.Equal(t, "env-runner", cfg.RunnerName())

	cfg = DaemonConfig{}
	cfg.ApplyEnv()
	assert.Equal(t, "from-env", cfg.Token)
}

func TestApplyEnv_InsecureClearsToken(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "from-env")

	cfg := DaemonConfig{InsecureNoAuth: true}
	cfg.ApplyEnv()

	assert.Empty(t, cfg.Token)
	assert.False(t, cfg.AuthRequired())
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingAuth(t *testing.T) {
	clearEnv(t)

	cfg := DaemonConfig{DataDir: t.TempDir()}
	cfg.ApplyEnv()

	assert.ErrorIs(t, cfg.Validate(), ErrMissingAuth)
}

func TestValidate_RunnerModeNeedsNoToken(t *testing.T) {
	clearEnv(t)

	cfg := DaemonConfig{DataDir: t.TempDir(), OrbitURL: "wss://relay.example.com/ws"}
	cfg.ApplyEnv()

	assert.True(t, cfg.RunnerMode())
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BadListen(t *testing.T) {
	for _, addr := range []string{"localhost", "127.0.0.1:abc", "127.0.0.1:70000"} {
		cfg := DaemonConfig{Listen: addr, DataDir: "/tmp", Token: "t"}
		assert.Error(t, cfg.Validate(), addr)
	}
	cfg := DaemonConfig{Listen: "127.0.0.1:4732", WSListen: "nope", DataDir: "/tmp", Token: "t"}
	assert.Error(t, cfg.Validate())
}
