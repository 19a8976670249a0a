package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeService struct {
	name     string
	startErr error

	mu     sync.Mutex
	events *[]string
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.record("start " + s.name)
	return nil
}

func (s *fakeService) Stop() error {
	s.record("stop " + s.name)
	return nil
}

func (s *fakeService) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, e)
}

// runLifecycle runs l in the background and returns a func that waits for
// Run to return.
func runLifecycle(t *testing.T, ctx context.Context, l *Lifecycle) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var once sync.Once
	var result error
	wait := func() error {
		once.Do(func() {
			select {
			case result = <-errCh:
			case <-time.After(3 * time.Second):
				result = errors.New("lifecycle did not shut down")
			}
		})
		return result
	}
	t.Cleanup(func() {
		l.Shutdown()
		_ = wait()
	})
	return wait
}

func waitReady(t *testing.T, l *Lifecycle) {
	t.Helper()
	select {
	case <-l.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("lifecycle did not become ready")
	}
}

func TestLifecycleRunAndShutdown(t *testing.T) {
	dataDir := t.TempDir()
	server := NewServer("127.0.0.1:0", ServerOptions{Dispatcher: newFakeDispatcher(), Logger: zerolog.Nop()})
	var events []string
	optional := &fakeService{name: "extra", startErr: errors.New("bind failed"), events: &events}
	shutdownHook := false

	l := NewLifecycle(LifecycleOptions{
		DataDir:    dataDir,
		Services:   []Service{server},
		Optional:   []Service{optional},
		PID:        PIDInfo{Listen: "127.0.0.1:0"},
		OnShutdown: func() { shutdownHook = true },
		Logger:     zerolog.Nop(),
	})
	wait := runLifecycle(t, context.Background(), l)
	waitReady(t, l)

	info, err := ReadPIDFile(filepath.Join(dataDir, PIDFileName))
	if err != nil {
		t.Fatalf("PID file not written: %v", err)
	}
	if info.PID != os.Getpid() || info.DataDir != dataDir || info.Listen != "127.0.0.1:0" {
		t.Fatalf("unexpected PID info: %+v", info)
	}

	port, err := ReadPortFile(PortFilePath(dataDir, "tcp"))
	if err != nil {
		t.Fatalf("tcp port file not written: %v", err)
	}
	want, _ := PortFromAddr(server.Addr())
	if port != want {
		t.Fatalf("port file = %d, want %d", port, want)
	}
	if !IsLocked(filepath.Join(dataDir, LockFileName)) {
		t.Fatal("data dir lock not held")
	}

	l.Shutdown()
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if !shutdownHook {
		t.Fatal("OnShutdown was not called")
	}
	for _, path := range []string{
		filepath.Join(dataDir, PIDFileName),
		PortFilePath(dataDir, "tcp"),
		filepath.Join(dataDir, LockFileName),
	} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s not removed on shutdown", filepath.Base(path))
		}
	}
}

func TestLifecycleRequiredServiceFailure(t *testing.T) {
	dataDir := t.TempDir()
	var events []string
	first := &fakeService{name: "first", events: &events}
	broken := &fakeService{name: "broken", startErr: errors.New("address in use"), events: &events}

	l := NewLifecycle(LifecycleOptions{
		DataDir:  dataDir,
		Services: []Service{first, broken},
		Logger:   zerolog.Nop(),
	})
	err := l.Run(context.Background())

	var startErr *StartupError
	if !errors.As(err, &startErr) || startErr.Service != "broken" {
		t.Fatalf("expected StartupError for broken, got %v", err)
	}
	if len(events) != 2 || events[0] != "start first" || events[1] != "stop first" {
		t.Fatalf("unexpected service events: %v", events)
	}
	if _, err := os.Stat(filepath.Join(dataDir, PIDFileName)); !os.IsNotExist(err) {
		t.Fatal("PID file left behind after failed startup")
	}
}

func TestLifecycleStopsInReverseOrderOnCancel(t *testing.T) {
	var events []string
	a := &fakeService{name: "a", events: &events}
	b := &fakeService{name: "b", events: &events}

	l := NewLifecycle(LifecycleOptions{DataDir: t.TempDir(), Services: []Service{a, b}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	wait := runLifecycle(t, ctx, l)
	waitReady(t, l)
	cancel()

	if err := wait(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	want := []string{"start a", "start b", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestLifecycleRejectsSecondDaemon(t *testing.T) {
	dataDir := t.TempDir()
	var events []string
	first := NewLifecycle(LifecycleOptions{
		DataDir:  dataDir,
		Services: []Service{&fakeService{name: "a", events: &events}},
		Logger:   zerolog.Nop(),
	})
	runLifecycle(t, context.Background(), first)
	waitReady(t, first)

	second := NewLifecycle(LifecycleOptions{DataDir: dataDir, Logger: zerolog.Nop()})
	err := second.Run(context.Background())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}
