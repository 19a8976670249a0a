package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendPrefixRule(t *testing.T) {
	home := t.TempDir()

	path, err := AppendPrefixRule(home, []string{"npm", " test ", ""})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rules", "default.rules"), path)

	_, err = AppendPrefixRule(home, []string{"npm", "test"})
	require.NoError(t, err)
	_, err = AppendPrefixRule(home, []string{"go", "test", "./..."})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"prefix_rule(pattern=[\"npm\",\"test\"], decision=\"allow\")\n"+
			"prefix_rule(pattern=[\"go\",\"test\",\"./...\"], decision=\"allow\")\n",
		string(data))
}

func TestAppendPrefixRule_KeepsExistingContent(t *testing.T) {
	home := t.TempDir()
	path := RulesPath(home)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("# mine"), 0o600))

	_, err := AppendPrefixRule(home, []string{"ls"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# mine\nprefix_rule(pattern=[\"ls\"], decision=\"allow\")\n", string(data))
}

func TestAppendPrefixRule_Empty(t *testing.T) {
	_, err := AppendPrefixRule(t.TempDir(), []string{" ", ""})
	assert.ErrorIs(t, err, ErrEmptyRule)
}

func TestValidateCodexConfig(t *testing.T) {
	assert.NoError(t, ValidateCodexConfig("model = \"gpt-5\"\n[features]\nx = true\n"))
	assert.NoError(t, ValidateCodexConfig(""))
	assert.Error(t, ValidateCodexConfig("model = "))
}
