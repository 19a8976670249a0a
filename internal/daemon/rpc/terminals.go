package rpc

import (
	"context"
	"errors"
	"math"

	"github.com/leonletto/anchord/internal/terminal"
)

var errTerminalsDisabled = errors.New("terminals are not available")

type terminalHandlers struct {
	deps Deps
}

func registerTerminals(d *Dispatcher, deps Deps) {
	h := &terminalHandlers{deps: deps}
	d.Register("terminal_open", h.open)
	d.Register("terminal_write", h.write)
	d.Register("terminal_resize", h.resize)
	d.Register("terminal_close", h.close)
}

func (h *terminalHandlers) manager() (*terminal.Manager, error) {
	if h.deps.Terminals == nil {
		return nil, errTerminalsDisabled
	}
	return h.deps.Terminals, nil
}

func (h *terminalHandlers) open(_ context.Context, p Params) (any, error) {
	m, err := h.manager()
	if err != nil {
		return nil, err
	}
	entry, err := workspaceParam(h.deps.Registry, p)
	if err != nil {
		return nil, err
	}
	termID, _ := p.OptString("terminalId")
	cols, _ := optSize(p, "cols")
	rows, _ := optSize(p, "rows")
	id, err := m.Open(terminal.OpenRequest{
		WorkspaceID: entry.ID,
		TerminalID:  termID,
		Dir:         entry.Path,
		Cols:        cols,
		Rows:        rows,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (h *terminalHandlers) ids(p Params) (*terminal.Manager, string, string, error) {
	m, err := h.manager()
	if err != nil {
		return nil, "", "", err
	}
	workspaceID, err := p.String("workspaceId")
	if err != nil {
		return nil, "", "", err
	}
	termID, err := p.String("terminalId")
	if err != nil {
		return nil, "", "", err
	}
	return m, workspaceID, termID, nil
}

func (h *terminalHandlers) write(_ context.Context, p Params) (any, error) {
	m, workspaceID, termID, err := h.ids(p)
	if err != nil {
		return nil, err
	}
	data, err := p.String("data")
	if err != nil {
		return nil, err
	}
	if err := m.Write(workspaceID, termID, data); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *terminalHandlers) resize(_ context.Context, p Params) (any, error) {
	m, workspaceID, termID, err := h.ids(p)
	if err != nil {
		return nil, err
	}
	cols, ok := optSize(p, "cols")
	if !ok {
		return nil, errors.New("missing or invalid `cols`")
	}
	rows, ok := optSize(p, "rows")
	if !ok {
		return nil, errors.New("missing or invalid `rows`")
	}
	if err := m.Resize(workspaceID, termID, cols, rows); err != nil {
		return nil, err
	}
	return okResult, nil
}

func (h *terminalHandlers) close(_ context.Context, p Params) (any, error) {
	m, workspaceID, termID, err := h.ids(p)
	if err != nil {
		return nil, err
	}
	if err := m.Close(workspaceID, termID); err != nil {
		return nil, err
	}
	return okResult, nil
}

func optSize(p Params, key string) (uint16, bool) {
	n, ok := p.OptUint32(key)
	if !ok || n == 0 || n > math.MaxUint16 {
		return 0, false
	}
	return uint16(n), true
}
