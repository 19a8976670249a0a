package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/anchord/internal/types"
)

// fakeDispatcher serves a handful of methods used by connection tests.
type fakeDispatcher struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{release: make(chan struct{})}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	d.calls.Add(1)
	switch method {
	case "ping":
		return map[string]bool{"ok": true}, nil
	case "list_workspaces":
		return []types.WorkspaceInfo{}, nil
	case "block":
		n := d.inFlight.Add(1)
		defer d.inFlight.Add(-1)
		for {
			peak := d.peak.Load()
			if n <= peak || d.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]bool{"ok": true}, nil
	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T, token string, d Dispatcher, bus *Broadcaster) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", ServerOptions{
		Token:      token,
		Dispatcher: d,
		Events:     bus,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(line, &msg))
	return msg
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.reader.ReadBytes('\n')
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr, "unexpected message: %s", line)
	assert.True(c.t, netErr.Timeout())
}

func TestServer_PingWithoutTokenNeedsNoAuth(t *testing.T) {
	srv := startServer(t, "", newFakeDispatcher(), NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`{"id":1,"method":"ping"}`)

	assert.Equal(t, map[string]any{"id": float64(1), "result": map[string]any{"ok": true}}, c.recv())
}

func TestServer_AuthHandshake(t *testing.T) {
	srv := startServer(t, "secret", newFakeDispatcher(), NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`{"id":1,"method":"list_workspaces"}`)
	assert.Equal(t, map[string]any{"id": float64(1), "error": map[string]any{"message": "unauthorized"}}, c.recv())

	c.send(`{"id":2,"method":"auth","params":"secret"}`)
	assert.Equal(t, map[string]any{"id": float64(2), "result": map[string]any{"ok": true}}, c.recv())

	c.send(`{"id":3,"method":"list_workspaces"}`)
	resp := c.recv()
	assert.Equal(t, float64(3), resp["id"])
	assert.IsType(t, []any{}, resp["result"])
}

func TestServer_InvalidTokenStaysUnauthenticated(t *testing.T) {
	srv := startServer(t, "secret", newFakeDispatcher(), NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`{"id":1,"method":"auth","params":{"token":"wrong"}}`)
	assert.Equal(t, "invalid token", c.recv()["error"].(map[string]any)["message"])

	c.send(`{"id":2,"method":"ping"}`)
	assert.Equal(t, "unauthorized", c.recv()["error"].(map[string]any)["message"])

	c.send(`{"id":3,"method":"auth","params":{"token":"secret"}}`)
	assert.Equal(t, map[string]any{"ok": true}, c.recv()["result"])
}

func TestServer_UnauthenticatedGetsNoEvents(t *testing.T) {
	bus := NewBroadcaster(16)
	srv := startServer(t, "secret", newFakeDispatcher(), bus)
	c := dial(t, srv)

	c.send(`{"method":"ping"}`) // no id: no reply even when unauthorized
	time.Sleep(50 * time.Millisecond)
	bus.Publish(types.TerminalExit{WorkspaceID: "ws", TerminalID: "t"})

	c.expectSilence(150 * time.Millisecond)
}

func TestServer_SecondAuthDoesNotDuplicateEvents(t *testing.T) {
	bus := NewBroadcaster(16)
	srv := startServer(t, "secret", newFakeDispatcher(), bus)
	c := dial(t, srv)

	c.send(`{"id":1,"method":"auth","params":"secret"}`)
	assert.Equal(t, map[string]any{"ok": true}, c.recv()["result"])
	c.send(`{"id":2,"method":"auth","params":"secret"}`)
	assert.Equal(t, map[string]any{"ok": true}, c.recv()["result"])

	bus.Publish(types.TerminalOutput{WorkspaceID: "ws", TerminalID: "t", Data: "hi"})

	ev := c.recv()
	assert.Equal(t, "terminal-output", ev["method"])
	assert.Equal(t, map[string]any{"workspaceId": "ws", "terminalId": "t", "data": "hi"}, ev["params"])

	c.expectSilence(150 * time.Millisecond)
}

func TestServer_FireAndForget(t *testing.T) {
	d := newFakeDispatcher()
	srv := startServer(t, "", d, NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`{"method":"ping"}`)
	c.send(`{"method":"no_such_method","params":{}}`)
	c.send(`{"id":"seven","method":"ping"}`)
	c.send(`{"id":9,"method":"ping"}`)

	assert.Equal(t, float64(9), c.recv()["id"])
	c.expectSilence(100 * time.Millisecond)
	assert.Equal(t, int32(4), d.calls.Load())
}

func TestServer_DropsMalformedLines(t *testing.T) {
	srv := startServer(t, "", newFakeDispatcher(), NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`this is not json`)
	c.send(`[1,2,3]`)
	c.send(`{"id":1}`)
	c.send(`{"id":2,"method":""}`)
	c.send(``)
	c.send(`{"id":3,"method":"ping"}`)

	assert.Equal(t, float64(3), c.recv()["id"])
}

func TestServer_UnknownMethodError(t *testing.T) {
	srv := startServer(t, "", newFakeDispatcher(), NewBroadcaster(16))
	c := dial(t, srv)

	c.send(`{"id":4,"method":"frobnicate"}`)

	assert.Equal(t, map[string]any{
		"id":    float64(4),
		"error": map[string]any{"message": "unknown method: frobnicate"},
	}, c.recv())
}

func TestServer_RequestsBeyondLimitQueue(t *testing.T) {
	d := newFakeDispatcher()
	srv := startServer(t, "", d, NewBroadcaster(16))
	c := dial(t, srv)

	total := MaxInFlightPerConnection + 8
	for i := 1; i <= total; i++ {
		c.send(fmt.Sprintf(`{"id":%d,"method":"block"}`, i))
	}

	require.Eventually(t, func() bool {
		return d.inFlight.Load() == MaxInFlightPerConnection
	}, 3*time.Second, 5*time.Millisecond)
	c.expectSilence(50 * time.Millisecond)
	close(d.release)

	seen := make(map[float64]bool)
	for range total {
		resp := c.recv()
		assert.Equal(t, map[string]any{"ok": true}, resp["result"])
		seen[resp["id"].(float64)] = true
	}
	assert.Len(t, seen, total)
	assert.Equal(t, int32(MaxInFlightPerConnection), d.peak.Load())
}

func TestServer_ConnectionsAreIndependent(t *testing.T) {
	d := newFakeDispatcher()
	srv := startServer(t, "", d, NewBroadcaster(16))
	busy := dial(t, srv)
	for i := 1; i <= MaxInFlightPerConnection; i++ {
		busy.send(fmt.Sprintf(`{"id":%d,"method":"block"}`, i))
	}
	require.Eventually(t, func() bool {
		return d.inFlight.Load() == MaxInFlightPerConnection
	}, 3*time.Second, 5*time.Millisecond)

	other := dial(t, srv)
	other.send(`{"id":1,"method":"ping"}`)
	assert.Equal(t, float64(1), other.recv()["id"])

	close(d.release)
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := NewServer("127.0.0.1:0", ServerOptions{Dispatcher: newFakeDispatcher(), Events: NewBroadcaster(4), Logger: zerolog.Nop()})
	require.NoError(t, srv.Start(context.Background()))
	c := dial(t, srv)
	c.send(`{"id":1,"method":"ping"}`)
	c.recv()

	require.NoError(t, srv.Stop())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.reader.ReadBytes('\n')
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_StartFailsWhenPortBound(t *testing.T) {
	srv := startServer(t, "", newFakeDispatcher(), NewBroadcaster(4))

	second := NewServer(srv.Addr(), ServerOptions{Logger: zerolog.Nop()})
	err := second.Start(context.Background())
	assert.Error(t, err)
}

func TestConn_ResponsesCarryRequestIDs(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	conn := NewConn(context.Background(), ConnOptions{
		Dispatcher: newFakeDispatcher(),
		Send: func(msg []byte) error {
			mu.Lock()
			sent = append(sent, string(msg))
			mu.Unlock()
			return nil
		},
		Logger: zerolog.Nop(),
	})
	conn.Start()
	defer conn.Close()

	conn.HandleFrame([]byte("{\"id\":1,\"method\":\"ping\"}\n{\"id\":2,\"method\":\"ping\"}"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{
		`{"id":1,"result":{"ok":true}}`,
		`{"id":2,"result":{"ok":true}}`,
	}, sent)
}

func TestConn_RelayAnswersPingAndAcceptsAnyAuth(t *testing.T) {
	out := make(chan string, 8)
	conn := NewConn(context.Background(), ConnOptions{
		Relay:      true,
		Token:      "ignored",
		Dispatcher: newFakeDispatcher(),
		Events:     NewBroadcaster(4),
		Send:       func(msg []byte) error { out <- string(msg); return nil },
		Logger:     zerolog.Nop(),
	})
	conn.Enqueue([]byte(`{"type":"anchor.hello"}`))
	conn.Start()
	defer conn.Close()

	conn.HandleLine([]byte(`{"type":"PING"}`))
	conn.HandleLine([]byte(`{"type":"other"}`))
	conn.HandleLine([]byte(`{"id":1,"method":"auth","params":"whatever"}`))
	conn.HandleLine([]byte(`{"id":2,"method":"ping"}`))

	next := func() string {
		select {
		case s := <-out:
			return s
		case <-time.After(time.Second):
			t.Fatal("no message")
			return ""
		}
	}
	assert.Equal(t, `{"type":"anchor.hello"}`, next())
	assert.Equal(t, `{"type":"pong"}`, next())
	assert.Equal(t, `{"id":1,"result":{"ok":true}}`, next())
	assert.Equal(t, `{"id":2,"result":{"ok":true}}`, next())
}

func TestConn_WriteErrorClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	conn := NewConn(context.Background(), ConnOptions{
		Dispatcher: newFakeDispatcher(),
		Send:       func([]byte) error { return net.ErrClosed },
		OnClose:    func() { close(closed) },
		Logger:     zerolog.Nop(),
	})
	conn.Start()
	conn.HandleLine([]byte(`{"id":1,"method":"ping"}`))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after write error")
	}
	<-conn.Done()
	conn.Close() // idempotent
}
