// Package runner connects the daemon outward to a relay and serves RPC over
// that link, reconnecting with capped exponential backoff.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/daemon"
	"github.com/leonletto/anchord/internal/transport"
)

const (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 20 * time.Second

	writeTimeout = 10 * time.Second
	readLimit    = 64 << 20
)

// ErrInvalidURL is returned for relay URLs that are not ws:// or wss://.
var ErrInvalidURL = errors.New("invalid orbit url")

// State is the runner's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Runner.
type Options struct {
	URL        string // relay websocket URL without credentials
	Token      string // appended to the URL as the token query parameter
	AuthURL    string // announced in the hello frame; empty sends null
	Name       string
	Dispatcher daemon.Dispatcher
	Events     *daemon.Broadcaster
	Logger     zerolog.Logger

	// InitialBackoff and MaxBackoff default to 1s and 20s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnStateChange is called on every state transition.
	OnStateChange func(State, error)
}

// Runner maintains the outbound relay connection.
type Runner struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Runner. Call Run to start it.
func New(opts Options) *Runner {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Runner{
		opts: opts,
		log:  opts.Logger.With().Str("component", "runner").Logger(),
	}
}

// BuildURL validates a relay URL and adds the token query parameter.
func BuildURL(base, token string) (string, error) {
	base = strings.TrimSpace(base)
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: scheme must be ws or wss", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if token = strings.TrimSpace(token); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// CheckConnect dials url and closes the connection cleanly.
func CheckConnect(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// Name identifies the runner in lifecycle logs.
func (r *Runner) Name() string { return "runner" }

// Start runs the runner in the background until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("runner already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = r.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels a started runner and waits for it to exit.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func newBackOff(initial, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and serves until ctx is cancelled, reconnecting after every
// failure or disconnect. The delay resets after each successful connection.
func (r *Runner) Run(ctx context.Context) error {
	b := newBackOff(r.opts.InitialBackoff, r.opts.MaxBackoff)
	for {
		r.notify(StateConnecting, nil)
		connected, err := r.connectAndServe(ctx)
		if ctx.Err() != nil {
			r.notify(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		r.notify(StateDisconnected, err)

		delay := b.NextBackOff()
		if errors.Is(err, ErrInvalidURL) {
			r.log.Error().Err(err).Dur("retry_in", delay).Msg("cannot build relay url")
		} else {
			r.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay disconnected")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Runner) notify(s State, err error) {
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(s, err)
	}
}

type hello struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Platform string  `json:"platform"`
	AuthURL  *string `json:"authUrl"`
}

func (r *Runner) helloFrame() []byte {
	h := hello{Type: "anchor.hello", Name: r.opts.Name, Platform: runtime.GOOS}
	if r.opts.AuthURL != "" {
		h.AuthURL = &r.opts.AuthURL
	}
	data, _ := json.Marshal(h)
	return data
}

// connectAndServe runs one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (r *Runner) connectAndServe(ctx context.Context) (connected bool, err error) {
	wsURL, err := BuildURL(r.opts.URL, r.opts.Token)
	if err != nil {
		return false, err
	}
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	defer func() { _ = ws.CloseNow() }()

	r.log.Info().Str("url", r.opts.URL).Msg("relay connected")
	r.notify(StateConnected, nil)

	conn := daemon.NewConn(ctx, daemon.ConnOptions{
		Transport:  transport.TransportRunner,
		Relay:      true,
		Dispatcher: r.opts.Dispatcher,
		Events:     r.opts.Events,
		Send: func(msg []byte) error {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			return ws.Write(wctx, websocket.MessageText, msg)
		},
		OnClose: func() { _ = ws.CloseNow() },
		Logger:  r.log,
	})
	conn.Enqueue(r.helloFrame())
	conn.Start()
	defer conn.Wait()
	defer conn.Close()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("relay closed the connection")
			}
			return true, fmt.Errorf("read: %w", err)
		}
		conn.HandleFrame(data)
	}
}
