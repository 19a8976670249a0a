package websocket

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/daemon"
	"github.com/leonletto/anchord/internal/transport"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 20
)

// Connection binds one WebSocket to the shared connection protocol.
type Connection struct {
	ws   *websocket.Conn
	conn *daemon.Conn
	log  zerolog.Logger
}

// NewConnection wraps ws. Call Serve to run it.
func NewConnection(ctx context.Context, ws *websocket.Conn, opts Options, log zerolog.Logger) *Connection {
	c := &Connection{ws: ws, log: log}
	c.conn = daemon.NewConn(ctx, daemon.ConnOptions{
		Transport:  transport.TransportWebSocket,
		Token:      opts.Token,
		Dispatcher: opts.Dispatcher,
		Events:     opts.Events,
		Send:       c.write,
		OnClose:    func() { _ = ws.Close() },
		Logger:     log,
	})
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.conn.ID() }

// write sends one message. Only the connection's writer goroutine calls it.
func (c *Connection) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Serve runs the read loop until the peer goes away, then tears down.
func (c *Connection) Serve() {
	c.conn.Start()
	defer c.conn.Wait()
	defer c.conn.Close()

	go c.pingLoop()
	c.readLoop()
}

func (c *Connection) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.BinaryMessage && !utf8.Valid(message) {
			c.log.Debug().Int("bytes", len(message)).Msg("dropping non-utf8 binary frame")
			continue
		}
		c.conn.HandleFrame(message)
	}
}

// pingLoop keeps idle connections alive. WriteControl may run concurrently
// with the writer goroutine.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.conn.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Close closes the connection.
func (c *Connection) Close() {
	c.conn.Close()
}
