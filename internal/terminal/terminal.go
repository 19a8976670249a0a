// Package terminal runs interactive shells on pseudo-terminals and streams
// their output as daemon events.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/types"
)

// ErrNotFound is returned for operations on an unknown terminal.
var ErrNotFound = errors.New("Terminal session not found")

const (
	defaultCols = 80
	defaultRows = 24
	readSize    = 8 << 10
	killDelay   = 2 * time.Second
)

// OpenRequest describes a terminal to start.
type OpenRequest struct {
	WorkspaceID string
	TerminalID  string // optional; generated when empty
	Dir         string
	Cols        uint16
	Rows        uint16
}

type key struct{ workspace, terminal string }

type session struct {
	key  key
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex
	done    chan struct{}
}

// Manager owns every open terminal.
type Manager struct {
	sink types.EventSink
	log  zerolog.Logger

	mu    sync.Mutex
	terms map[key]*session
}

// NewManager returns a Manager that publishes output to sink.
func NewManager(sink types.EventSink, log zerolog.Logger) *Manager {
	return &Manager{
		sink:  sink,
		log:   log.With().Str("component", "terminal").Logger(),
		terms: make(map[key]*session),
	}
}

// Shell returns the user's login shell, falling back to /bin/sh.
func Shell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Open starts a shell in req.Dir and returns the terminal id. Opening an id
// that is already running returns it unchanged.
func (m *Manager) Open(req OpenRequest) (string, error) {
	if req.TerminalID == "" {
		req.TerminalID = uuid.NewString()
	}
	k := key{req.WorkspaceID, req.TerminalID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.terms[k]; ok {
		return req.TerminalID, nil
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(Shell()) //nolint:gosec // G204 - user's own shell
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("start terminal: %w", err)
	}

	s := &session{key: k, cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	m.terms[k] = s
	go m.read(s)

	m.log.Debug().
		Str("workspace", req.WorkspaceID).
		Str("terminal", req.TerminalID).
		Int("pid", cmd.Process.Pid).
		Msg("terminal opened")
	return req.TerminalID, nil
}

// read streams output until the shell exits, then publishes the exit once.
func (m *Manager) read(s *session) {
	buf := make([]byte, readSize)
	var carry []byte
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := completeRunes(chunk)
			carry = append([]byte(nil), chunk[cut:]...)
			if cut > 0 {
				m.sink.EmitTerminalOutput(types.TerminalOutput{
					WorkspaceID: s.key.workspace,
					TerminalID:  s.key.terminal,
					Data:        string(chunk[:cut]),
				})
			}
		}
		if err != nil {
			break
		}
	}
	if len(carry) > 0 {
		m.sink.EmitTerminalOutput(types.TerminalOutput{
			WorkspaceID: s.key.workspace,
			TerminalID:  s.key.terminal,
			Data:        string(carry),
		})
	}

	_ = s.cmd.Wait()
	_ = s.ptmx.Close()

	m.mu.Lock()
	if m.terms[s.key] == s {
		delete(m.terms, s.key)
	}
	m.mu.Unlock()
	close(s.done)

	m.sink.EmitTerminalExit(types.TerminalExit{
		WorkspaceID: s.key.workspace,
		TerminalID:  s.key.terminal,
	})
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func (m *Manager) get(workspaceID, terminalID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.terms[key{workspaceID, terminalID}]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Write sends input to the terminal.
func (m *Manager) Write(workspaceID, terminalID, data string) error {
	s, err := m.get(workspaceID, terminalID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.WriteString(data); err != nil {
		return fmt.Errorf("write terminal: %w", err)
	}
	return nil
}

// Resize changes the terminal window size.
func (m *Manager) Resize(workspaceID, terminalID string, cols, rows uint16) error {
	s, err := m.get(workspaceID, terminalID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	return nil
}

// Close terminates the terminal's shell and waits for it to exit.
func (m *Manager) Close(workspaceID, terminalID string) error {
	s, err := m.get(workspaceID, terminalID)
	if err != nil {
		return err
	}
	s.terminate()
	return nil
}

// CloseWorkspace terminates every terminal opened for workspaceID.
func (m *Manager) CloseWorkspace(workspaceID string) {
	m.closeMatching(func(k key) bool { return k.workspace == workspaceID })
}

// CloseAll terminates every terminal.
func (m *Manager) CloseAll() {
	m.closeMatching(func(key) bool { return true })
}

func (m *Manager) closeMatching(match func(key) bool) {
	m.mu.Lock()
	var victims []*session
	for k, s := range m.terms {
		if match(k) {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.terminate()
		}()
	}
	wg.Wait()
}

// terminate sends SIGHUP, escalating to SIGKILL if the shell lingers.
func (s *session) terminate() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
	}
	select {
	case <-s.done:
		return
	case <-time.After(killDelay):
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.ptmx.Close()
	<-s.done
}
