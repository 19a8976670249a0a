package appserver

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/types"
)

// DefaultBinary is the agent executable used when nothing overrides it.
const DefaultBinary = "codex"

const initializeTimeout = 30 * time.Second

// Factory starts app-server sessions whose events go to a shared sink.
type Factory struct {
	sink          types.EventSink
	clientVersion string
	log           zerolog.Logger
}

// NewFactory returns a Factory. clientVersion is reported to the agent during
// the initialize handshake.
func NewFactory(sink types.EventSink, clientVersion string, log zerolog.Logger) *Factory {
	return &Factory{
		sink:          sink,
		clientVersion: clientVersion,
		log:           log.With().Str("component", "appserver").Logger(),
	}
}

// Command builds the app-server command line for req.
func Command(req state.SpawnRequest) (*exec.Cmd, error) {
	bin := types.Deref(req.Entry.CodexBin)
	if bin == "" {
		bin = req.DefaultBin
	}
	if bin == "" {
		bin = DefaultBinary
	}
	args, err := SplitArgs(req.Args)
	if err != nil {
		return nil, fmt.Errorf("invalid codex args: %w", err)
	}
	args = append(args, "app-server")

	cmd := exec.Command(bin, args...) //nolint:gosec // G204 - user-configured agent binary
	cmd.Dir = req.Entry.Path
	cmd.Env = cmd.Environ()
	if req.Home != "" {
		cmd.Env = append(cmd.Env, "CODEX_HOME="+req.Home)
	}
	return cmd, nil
}

// Spawn starts the process and completes the initialize handshake.
func (f *Factory) Spawn(ctx context.Context, req state.SpawnRequest) (state.Session, error) {
	cmd, err := Command(req)
	if err != nil {
		return nil, err
	}
	log := f.log.With().Str("workspace", req.Entry.ID).Logger()
	s, err := start(cmd, req.Entry.ID, f.sink, log)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	_, err = s.Request(initCtx, "initialize", map[string]any{
		"clientInfo": map[string]any{
			"name":    "anchord",
			"title":   "anchord",
			"version": f.clientVersion,
		},
		"capabilities": map[string]any{"experimentalApi": true},
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize app-server: %w", err)
	}
	if err := s.Notify(ctx, "initialized", nil); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Info().Str("bin", cmd.Path).Msg("app-server ready")
	return s, nil
}

// SplitArgs splits a command-line fragment into arguments using shell
// quoting rules.
func SplitArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil || len(args) == 0 {
		return nil, err
	}
	return args, nil
}
