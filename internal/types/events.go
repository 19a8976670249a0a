package types

import "encoding/json"

// Event notification method names as they appear on the wire.
const (
	MethodAppServerEvent = "app-server-event"
	MethodTerminalOutput = "terminal-output"
	MethodTerminalExit   = "terminal-exit"
)

// DaemonEvent is a broadcastable event. Method names the notification it is
// delivered as; the value itself is serialized as the notification params.
type DaemonEvent interface {
	Method() string
}

// AppServerEvent carries one message emitted by a workspace's agent process.
type AppServerEvent struct {
	WorkspaceID string          `json:"workspace_id"`
	Message     json.RawMessage `json:"message"`
}

// Method implements DaemonEvent.
func (AppServerEvent) Method() string { return MethodAppServerEvent }

// TerminalOutput carries a chunk of output from a workspace terminal.
type TerminalOutput struct {
	WorkspaceID string `json:"workspaceId"`
	TerminalID  string `json:"terminalId"`
	Data        string `json:"data"`
}

// Method implements DaemonEvent.
func (TerminalOutput) Method() string { return MethodTerminalOutput }

// TerminalExit is published once when a workspace terminal process exits.
type TerminalExit struct {
	WorkspaceID string `json:"workspaceId"`
	TerminalID  string `json:"terminalId"`
}

// Method implements DaemonEvent.
func (TerminalExit) Method() string { return MethodTerminalExit }

// EventSink receives events from sessions and terminals. Implementations
// must not block the caller.
type EventSink interface {
	EmitAppServerEvent(ev AppServerEvent)
	EmitTerminalOutput(ev TerminalOutput)
	EmitTerminalExit(ev TerminalExit)
}

// Notification is the server-to-client envelope for a DaemonEvent.
type Notification struct {
	Method string      `json:"method"`
	Params DaemonEvent `json:"params"`
}

// NewNotification wraps ev in its wire envelope.
func NewNotification(ev DaemonEvent) Notification {
	return Notification{Method: ev.Method(), Params: ev}
}
