// Package rpc implements the daemon's RPC methods and routes requests to them.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"

	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/daemon"
	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/gitctx"
	"github.com/leonletto/anchord/internal/terminal"
	"github.com/leonletto/anchord/internal/transport"
	"github.com/leonletto/anchord/internal/types"
)

// Handler implements one RPC method.
type Handler func(ctx context.Context, p Params) (any, error)

// okResult is the result of methods that return nothing else.
var okResult = map[string]bool{"ok": true}

// Deps are the collaborators the handlers operate on.
type Deps struct {
	Registry  *state.Registry
	Settings  *config.SettingsStore
	Git       *gitctx.Runner
	GitHub    *gitctx.GitHub
	Terminals *terminal.Manager
	Events    types.EventSink
	// Bus is read by handlers that wait on agent events, such as commit
	// message generation. It is normally the broadcaster behind Events.
	Bus *daemon.Broadcaster
	// Tailscale reports tailnet status; nil uses the local tailscaled.
	Tailscale TailscaleStatusProvider
	// ConnectCheck verifies that a relay URL accepts a connection; nil
	// uses runner.CheckConnect.
	ConnectCheck ConnectCheckFunc
	// HTTPClient is used for relay sign-in; nil uses a default client.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Dispatcher routes method names to handlers. The handler table is fixed
// after construction and Dispatch is safe for concurrent use.
type Dispatcher struct {
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "rpc").Logger(),
	}
}

// New returns a dispatcher with every daemon method registered.
func New(deps Deps) *Dispatcher {
	if deps.Git == nil {
		deps.Git = gitctx.NewRunner()
	}
	if deps.GitHub == nil {
		deps.GitHub = gitctx.NewGitHub("")
	}
	d := NewDispatcher(deps.Logger)
	registerWorkspaces(d, deps)
	registerSettings(d, deps)
	registerCodex(d, deps)
	registerGit(d, deps)
	registerGitHub(d, deps)
	registerAgentFiles(d, deps)
	registerBackground(d, deps)
	registerTerminals(d, deps)
	registerHost(d, deps)
	return d
}

// Register binds a handler to a method name, replacing any previous one.
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for method. A panicking handler is reported as
// an error result.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("method", method).
				Stringer("transport", transport.GetTransport(ctx)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			result, err = nil, fmt.Errorf("internal error in %s: %v", method, r)
		}
	}()
	return h(ctx, ParseParams(params))
}
