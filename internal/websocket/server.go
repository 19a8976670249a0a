// Package websocket serves the daemon protocol over WebSocket. Each text or
// binary frame carries one or more newline-separated messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/daemon"
)

// Options configures the WebSocket server.
type Options struct {
	Token      string
	Dispatcher daemon.Dispatcher
	Events     *daemon.Broadcaster
	Logger     zerolog.Logger
}

// Server represents the WebSocket RPC server.
type Server struct {
	addr       string
	opts       Options
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    *ClientRegistry
	log        zerolog.Logger

	ctx      context.Context
	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new WebSocket server for addr ("host:port").
// Upgrades are accepted on every path.
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		addr:    addr,
		opts:    opts,
		clients: NewClientRegistry(),
		log:     opts.Logger.With().Str("component", "websocket").Logger(),
		ctx:     context.Background(),
		upgrader: websocket.Upgrader{
			// Clients authenticate with the token, not by origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Clients returns the registry of live connections.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// Start binds the listener and begins serving. Connections inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("server is shutting down")
	}
	s.ctx = ctx
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("websocket server error")
		}
	}()
	return nil
}

// Name identifies the server in lifecycle logs.
func (s *Server) Name() string { return "websocket" }

// Stop stops the WebSocket server and waits for all connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Hijacked connections are not closed by Shutdown.
	s.clients.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("timed out waiting for connections to close")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleWebSocket handles the WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the read lock across both the shutdown check and wg.Add to prevent
	// a race where Stop() calls wg.Wait() between our check and our Add.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.RUnlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	go s.handleConnection(ctx, ws, r.RemoteAddr)
}

// handleConnection manages a single WebSocket connection.
func (s *Server) handleConnection(ctx context.Context, ws *websocket.Conn, remote string) {
	defer s.wg.Done()

	c := NewConnection(ctx, ws, s.opts, s.log.With().Str("remote", remote).Logger())
	s.clients.Add(c)
	defer s.clients.Remove(c)

	c.Serve()
}
