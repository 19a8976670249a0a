// Package appserver runs `codex app-server` processes and speaks
// line-delimited JSON-RPC with them over stdio.
package appserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/leonletto/anchord/internal/types"
)

// ErrSessionClosed is returned for calls on a session whose process has exited.
var ErrSessionClosed = errors.New("app-server session closed")

const (
	// RequestTimeout bounds a single request to the agent.
	RequestTimeout = 2 * time.Minute
	closeTimeout   = 3 * time.Second
	maxLineBytes   = 64 << 20
)

// RPCError is an error response from the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

type response struct {
	result json.RawMessage
	err    error
}

// Session is one running app-server process bound to a workspace.
type Session struct {
	workspaceID string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	sink        types.EventSink
	log         zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
	exitErr   error
}

// start launches cmd and begins reading its output.
func start(cmd *exec.Cmd, workspaceID string, sink types.EventSink, log zerolog.Logger) (*Session, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	s := &Session{
		workspaceID: workspaceID,
		cmd:         cmd,
		stdin:       stdin,
		sink:        sink,
		log:         log.With().Int("pid", cmd.Process.Pid).Logger(),
		pending:     make(map[uint64]chan response),
		done:        make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		s.exited(cmd.Wait())
	}()
	return s, nil
}

// Done is closed when the process has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readStdout(r io.Reader) {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > maxLineBytes {
			s.log.Warn().Int("bytes", len(line)).Msg("dropping oversized line")
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			s.handleLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		s.log.Debug().Str("stderr", sc.Text()).Msg("app-server")
	}
}

// handleLine routes a response to its waiting caller. Everything else the
// agent sends, including requests to the client, is published as an event.
func (s *Session) handleLine(line []byte) {
	if !gjson.ValidBytes(line) {
		s.log.Debug().Bytes("line", line).Msg("ignoring non-JSON output")
		return
	}
	id := gjson.GetBytes(line, "id")
	method := gjson.GetBytes(line, "method")
	if id.Type == gjson.Number && !method.Exists() {
		result := gjson.GetBytes(line, "result")
		rpcErr := gjson.GetBytes(line, "error")
		if result.Exists() || rpcErr.Exists() {
			resp := response{}
			if rpcErr.Exists() && rpcErr.Type != gjson.Null {
				e := &RPCError{}
				if err := json.Unmarshal([]byte(rpcErr.Raw), e); err != nil || e.Message == "" {
					e.Message = rpcErr.String()
				}
				resp.err = e
			} else {
				resp.result = json.RawMessage(result.Raw)
			}
			s.resolve(id.Uint(), resp)
			return
		}
	}

	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	s.sink.EmitAppServerEvent(types.AppServerEvent{WorkspaceID: s.workspaceID, Message: msg})
}

func (s *Session) resolve(id uint64, resp response) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *Session) exited(err error) {
	s.mu.Lock()
	s.closed = true
	s.exitErr = err
	pending := s.pending
	s.pending = make(map[uint64]chan response)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrSessionClosed}
	}
	s.log.Info().AnErr("exit", err).Msg("app-server exited")
	close(s.done)
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// Request sends a JSON-RPC request and waits for the matching response.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(request{ID: id, Method: method, Params: params}); err != nil {
		s.forget(id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("app-server request timed out: %s", method)
		}
		return nil, ctx.Err()
	}
}

func (s *Session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Notify sends a JSON-RPC notification.
func (s *Session) Notify(_ context.Context, method string, params any) error {
	return s.write(notification{Method: method, Params: params})
}

// Respond answers a request the agent sent, such as an approval prompt.
func (s *Session) Respond(_ context.Context, id json.RawMessage, result any) error {
	return s.write(reply{ID: id, Result: result})
}

func (s *Session) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode app-server message: %w", err)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to app-server: %w", err)
	}
	return nil
}

// Close kills the process and waits briefly for it to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		return errors.New("app-server did not exit")
	}
	return nil
}
