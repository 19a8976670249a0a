package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/leonletto/anchord/internal/logging"
	"github.com/leonletto/anchord/internal/transport"
	"github.com/leonletto/anchord/internal/types"
)

// MaxInFlightPerConnection bounds how many requests from one connection run at once.
// Requests beyond the limit wait for a slot; they are never rejected.
const MaxInFlightPerConnection = 32

// Dispatcher executes a named RPC method.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	Transport  transport.Transport
	Token      string // shared secret; empty disables authentication
	Relay      bool   // outbound relay link: auth is implicit and ping/pong control frames are answered
	Dispatcher Dispatcher
	Events     *Broadcaster
	// Send writes one message to the peer. It is only called from the
	// connection's writer goroutine.
	Send func(msg []byte) error
	// OnClose runs once when the connection closes, e.g. to close the socket
	// and unblock the reader.
	OnClose func()
	Logger  zerolog.Logger
}

// Conn is the per-connection protocol state shared by every transport:
// authentication, request dispatch, response correlation, and event forwarding.
//
// HandleLine must be called from a single reader goroutine.
type Conn struct {
	id      string
	opts    ConnOptions
	ctx     context.Context
	cancel  context.CancelFunc
	out     *outbox
	limiter *semaphore.Weighted
	log     zerolog.Logger
	lagWarn *logging.Throttle

	// Owned by the reader goroutine.
	authenticated bool
	forwarding    bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn creates a connection bound to parent. Call Start before HandleLine.
func NewConn(parent context.Context, opts ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	c := &Conn{
		id:            id,
		opts:          opts,
		ctx:           ctx,
		cancel:        cancel,
		out:           newOutbox(),
		limiter:       semaphore.NewWeighted(MaxInFlightPerConnection),
		log:           opts.Logger.With().Str("conn", id).Str("transport", opts.Transport.String()).Logger(),
		lagWarn:       logging.NewThrottle(10 * time.Second),
		authenticated: opts.Relay || opts.Token == "",
		done:          make(chan struct{}),
	}
	return c
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the writer and, for connections that need no handshake,
// the event forwarder.
func (c *Conn) Start() {
	go c.writeLoop()
	if c.authenticated {
		c.startForwarding()
	}
}

// Enqueue queues a raw message for the peer, ahead of anything queued later.
func (c *Conn) Enqueue(msg []byte) {
	c.out.push(msg)
}

// HandleFrame splits a message frame into lines and handles each.
func (c *Conn) HandleFrame(data []byte) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		c.HandleLine(line)
	}
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
	Type   json.RawMessage `json:"type"`
}

// HandleLine processes one inbound message. Malformed input is dropped.
func (c *Conn) HandleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}

	if c.opts.Relay && c.handleControl(env.Type) {
		return
	}

	id := parseID(env.ID)
	var method string
	if err := json.Unmarshal(env.Method, &method); err != nil || method == "" {
		return
	}

	if method == "auth" {
		c.handleAuth(id, env.Params)
		return
	}
	if !c.authenticated {
		c.respondError(id, "unauthorized")
		return
	}

	c.wg.Add(1)
	go c.dispatch(id, method, env.Params)
}

// handleControl answers relay control frames. It reports whether the message
// was a control frame.
func (c *Conn) handleControl(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		return false
	}
	if strings.EqualFold(typ, "ping") {
		c.out.push([]byte(`{"type":"pong"}`))
	}
	return true
}

func (c *Conn) handleAuth(id *uint64, params json.RawMessage) {
	if c.opts.Relay || c.opts.Token == "" {
		c.authenticated = true
		c.respondResult(id, okResult)
		c.startForwarding()
		return
	}
	if parseAuthToken(params) != c.opts.Token {
		c.respondError(id, "invalid token")
		return
	}
	c.authenticated = true
	c.respondResult(id, okResult)
	c.startForwarding()
}

func (c *Conn) startForwarding() {
	if c.forwarding || c.opts.Events == nil {
		return
	}
	c.forwarding = true
	sub := c.opts.Events.Subscribe()
	c.wg.Add(1)
	go c.forwardEvents(sub)
}

func (c *Conn) dispatch(id *uint64, method string, params json.RawMessage) {
	defer c.wg.Done()
	if err := c.limiter.Acquire(c.ctx, 1); err != nil {
		return
	}
	defer c.limiter.Release(1)

	ctx := transport.WithTransport(c.ctx, c.opts.Transport)
	result, err := c.opts.Dispatcher.Dispatch(ctx, method, params)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Debug().Str("method", method).Err(err).Msg("request failed")
		c.respondError(id, err.Error())
		return
	}
	c.respondResult(id, result)
}

func (c *Conn) forwardEvents(sub *Subscriber) {
	defer c.wg.Done()
	for {
		ev, err := sub.Recv(c.ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				c.lagWarn.Do(func() {
					c.log.Warn().Uint64("missed", lagged.Missed).Msg("event forwarder lagged")
				})
				continue
			}
			return
		}
		data, err := json.Marshal(types.NewNotification(ev))
		if err != nil {
			continue
		}
		if !c.out.push(data) {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		msg, ok := c.out.pop(c.ctx)
		if !ok {
			return
		}
		if err := c.opts.Send(msg); err != nil {
			c.log.Debug().Err(err).Msg("write failed, closing connection")
			c.Close()
			return
		}
	}
}

// Close cancels in-flight work, stops the writer and forwarder, and runs OnClose.
// It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.out.close()
		if c.opts.OnClose != nil {
			c.opts.OnClose()
		}
		close(c.done)
	})
}

// Wait blocks until the forwarder and all dispatched requests have returned.
func (c *Conn) Wait() {
	c.wg.Wait()
}

var okResult = map[string]bool{"ok": true}

type resultResponse struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result"`
}

type errorBody struct {
	Message string `json:"message"`
}

type errorResponse struct {
	ID    uint64    `json:"id"`
	Error errorBody `json:"error"`
}

func (c *Conn) respondResult(id *uint64, result any) {
	if id == nil {
		return
	}
	data, err := json.Marshal(resultResponse{ID: *id, Result: result})
	if err != nil {
		c.respondError(id, "serialization failed: "+err.Error())
		return
	}
	c.out.push(data)
}

func (c *Conn) respondError(id *uint64, message string) {
	if id == nil {
		return
	}
	data, err := json.Marshal(errorResponse{ID: *id, Error: errorBody{Message: message}})
	if err != nil {
		return
	}
	c.out.push(data)
}

// parseID accepts only non-negative integer ids; anything else means "no id".
func parseID(raw json.RawMessage) *uint64 {
	if len(raw) == 0 {
		return nil
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil
	}
	return &id
}

// parseAuthToken accepts either a bare string or {"token": "..."}.
func parseAuthToken(params json.RawMessage) string {
	var token string
	if err := json.Unmarshal(params, &token); err == nil {
		return token
	}
	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(params, &obj); err == nil {
		return obj.Token
	}
	return ""
}

// outbox is an unbounded FIFO of outbound messages.
type outbox struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(msg []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, msg)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) pop(ctx context.Context) ([]byte, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			msg := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			o.mu.Unlock()
			return msg, true
		}
		if o.closed {
			o.mu.Unlock()
			return nil, false
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-o.signal:
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
