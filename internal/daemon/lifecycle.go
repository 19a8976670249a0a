package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// LockFileName is the lock file inside the data directory.
const LockFileName = "anchord.lock"

// Service is a component started and stopped by the lifecycle.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// addressed services get a port file once started.
type addressed interface {
	Addr() string
}

// StartupError reports a required service that failed to start.
type StartupError struct {
	Service string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Service, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	DataDir string
	// Services must all start; the first failure aborts startup.
	Services []Service
	// Optional services are skipped with a warning when they fail to start.
	Optional []Service
	// PID is recorded in the PID file; PID and StartedAt are filled in.
	PID PIDInfo
	// OnShutdown runs after every service has stopped.
	OnShutdown func()
	Logger     zerolog.Logger
}

// Lifecycle owns the data-dir lock, the PID and port files, signal handling,
// and ordered startup and shutdown of the daemon's services.
type Lifecycle struct {
	opts    LifecycleOptions
	log     zerolog.Logger
	pidFile string

	lock      *FileLock
	started   []Service
	portFiles []string

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	ready        chan struct{}
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	return &Lifecycle{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "lifecycle").Logger(),
		pidFile:    filepath.Join(opts.DataDir, PIDFileName),
		shutdownCh: make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once every service has started.
func (l *Lifecycle) Ready() <-chan struct{} { return l.ready }

// Run starts the services and blocks until ctx is cancelled, a SIGINT or
// SIGTERM arrives, or Shutdown is called. It then stops everything in
// reverse order and removes the files it created.
func (l *Lifecycle) Run(ctx context.Context) error {
	// The OS releases this lock when the process dies, even on SIGKILL.
	lock, err := AcquireLock(filepath.Join(l.opts.DataDir, LockFileName))
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	l.lock = lock
	defer l.release()

	running, existing, err := CheckPIDFile(l.pidFile)
	switch {
	case err != nil:
		l.log.Warn().Err(err).Msg("failed to read existing PID file, overwriting")
	case running && existing.PID != os.Getpid() && SameDataDir(existing, l.opts.DataDir):
		return fmt.Errorf("daemon already running (PID %d) for %s", existing.PID, l.opts.DataDir)
	}

	info := l.opts.PID
	info.PID = os.Getpid()
	info.DataDir = l.opts.DataDir
	info.StartedAt = time.Now().UTC()
	if err := WritePIDFile(l.pidFile, info); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, svc := range l.opts.Services {
		if err := svc.Start(ctx); err != nil {
			l.stopServices()
			return &StartupError{Service: svc.Name(), Err: err}
		}
		l.started = append(l.started, svc)
	}
	for _, svc := range l.opts.Optional {
		if err := svc.Start(ctx); err != nil {
			l.log.Warn().Err(err).Str("service", svc.Name()).Msg("optional service disabled")
			continue
		}
		l.started = append(l.started, svc)
	}
	l.writePortFiles()
	close(l.ready)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		l.log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-l.shutdownCh:
	}

	l.stopServices()
	l.log.Info().Msg("shutdown complete")
	return nil
}

func (l *Lifecycle) writePortFiles() {
	for _, svc := range l.started {
		a, ok := svc.(addressed)
		if !ok {
			continue
		}
		port, err := PortFromAddr(a.Addr())
		if err != nil {
			continue
		}
		path := PortFilePath(l.opts.DataDir, svc.Name())
		if err := WritePortFile(path, port); err != nil {
			l.log.Warn().Err(err).Str("service", svc.Name()).Msg("failed to write port file")
			continue
		}
		l.portFiles = append(l.portFiles, path)
	}
}

// stopServices stops started services in reverse order, then runs OnShutdown.
func (l *Lifecycle) stopServices() {
	for i := len(l.started) - 1; i >= 0; i-- {
		svc := l.started[i]
		if err := svc.Stop(); err != nil {
			l.log.Warn().Err(err).Str("service", svc.Name()).Msg("error stopping service")
		}
	}
	l.started = nil
	if l.opts.OnShutdown != nil {
		l.opts.OnShutdown()
	}
}

// release removes the port and PID files and drops the lock. It runs on
// every exit path of Run.
func (l *Lifecycle) release() {
	for _, path := range l.portFiles {
		if err := RemovePortFile(path); err != nil {
			l.log.Warn().Err(err).Msg("error removing port file")
		}
	}
	l.portFiles = nil
	if err := RemovePIDFile(l.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn().Err(err).Msg("error removing PID file")
	}
	if err := l.lock.Release(); err != nil {
		l.log.Warn().Err(err).Msg("error releasing lock")
	}
}

// Shutdown triggers a graceful shutdown of a running lifecycle.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
	})
}
