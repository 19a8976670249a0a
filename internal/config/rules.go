package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// ErrEmptyRule is returned when a rule has no command tokens.
var ErrEmptyRule = errors.New("empty command")

// RulesPath returns the agent's default exec-policy rules file inside home.
func RulesPath(home string) string {
	return filepath.Join(home, "rules", "default.rules")
}

// AppendPrefixRule records an "allow" rule for commands starting with the
// given tokens and returns the rules file path. A rule that is already
// present is not written twice.
func AppendPrefixRule(home string, command []string) (string, error) {
	tokens := make([]string, 0, len(command))
	for _, c := range command {
		if c = strings.TrimSpace(c); c != "" {
			tokens = append(tokens, c)
		}
	}
	if len(tokens) == 0 {
		return "", ErrEmptyRule
	}
	pattern, err := json.Marshal(tokens)
	if err != nil {
		return "", err
	}
	rule := fmt.Sprintf("prefix_rule(pattern=%s, decision=\"allow\")", pattern)

	path := RulesPath(home)
	existing, err := os.ReadFile(path) //nolint:gosec // G304 - agent rules path
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read rules: %w", err)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == rule {
			return path, nil
		}
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(rule)
	b.WriteByte('\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create rules dir: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(b.String())); err != nil {
		return "", fmt.Errorf("write rules: %w", err)
	}
	return path, nil
}
