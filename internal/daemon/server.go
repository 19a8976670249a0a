package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/logging"
	"github.com/leonletto/anchord/internal/transport"
)

// ServerOptions configures the TCP server.
type ServerOptions struct {
	Token      string
	Dispatcher Dispatcher
	Events     *Broadcaster
	Logger     zerolog.Logger
}

// Server accepts line-delimited JSON connections over TCP.
type Server struct {
	addr       string
	opts       ServerOptions
	listener   net.Listener
	log        zerolog.Logger
	acceptWarn *logging.Throttle

	mu       sync.RWMutex
	shutdown bool
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a TCP server for addr ("host:port").
func NewServer(addr string, opts ServerOptions) *Server {
	return &Server{
		addr:       addr,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "tcp").Logger(),
		acceptWarn: logging.NewThrottle(5 * time.Second),
		conns:      make(map[*Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")

	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Name identifies the server in lifecycle logs.
func (s *Server) Name() string { return "tcp" }

// Stop closes the listener and all live connections, then waits for
// connection handlers to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var closeErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = fmt.Errorf("failed to close listener: %w", err)
		}
	}
	for _, c := range conns {
		c.Close()
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
	return closeErr
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown || errors.Is(err, net.ErrClosed) {
				return
			}
			s.acceptWarn.Do(func() {
				s.log.Warn().Err(err).Msg("accept error")
			})
			continue
		}

		s.mu.RLock()
		if s.shutdown {
			s.mu.RUnlock()
			_ = nc.Close()
			return
		}
		s.wg.Add(1)
		s.mu.RUnlock()

		go s.handleConnection(ctx, nc)
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	writer := bufio.NewWriter(nc)
	conn := NewConn(ctx, ConnOptions{
		Transport:  transport.TransportTCP,
		Token:      s.opts.Token,
		Dispatcher: s.opts.Dispatcher,
		Events:     s.opts.Events,
		Send: func(msg []byte) error {
			if _, err := writer.Write(msg); err != nil {
				return err
			}
			if err := writer.WriteByte('\n'); err != nil {
				return err
			}
			return writer.Flush()
		},
		OnClose: func() { _ = nc.Close() },
		Logger:  s.log.With().Str("remote", nc.RemoteAddr().String()).Logger(),
	})

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	conn.Start()
	defer conn.Wait()
	defer conn.Close()

	reader := bufio.NewReader(nc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			conn.HandleLine(line)
		}
		if err != nil {
			return
		}
	}
}
