package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leonletto/anchord/internal/types"
)

// DefaultEventCapacity is how many events the bus retains for slow subscribers.
const DefaultEventCapacity = 2048

// ErrBusClosed is returned by Subscriber.Recv once the bus is closed and drained.
var ErrBusClosed = errors.New("event bus closed")

// LaggedError reports that a subscriber fell behind and events were
// overwritten before it read them. The subscriber has been moved to the
// oldest retained event and may keep receiving.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events dropped", e.Missed)
}

// Broadcaster is the process-wide event bus. Publishing never blocks: when the
// ring is full the oldest event is overwritten.
type Broadcaster struct {
	mu     sync.Mutex
	ring   []types.DaemonEvent
	next   uint64 // sequence number of the next published event
	notify chan struct{}
	closed bool
}

// NewBroadcaster creates a bus retaining up to capacity events.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &Broadcaster{
		ring:   make([]types.DaemonEvent, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends ev and wakes all waiting subscribers.
func (b *Broadcaster) Publish(ev types.DaemonEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.next%uint64(len(b.ring))] = ev
	b.next++
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscribe returns a subscriber that receives events published from now on.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscriber{bus: b, pos: b.next}
}

// Close stops the bus. Subscribers drain what is retained, then get ErrBusClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// EmitAppServerEvent implements types.EventSink.
func (b *Broadcaster) EmitAppServerEvent(ev types.AppServerEvent) { b.Publish(ev) }

// EmitTerminalOutput implements types.EventSink.
func (b *Broadcaster) EmitTerminalOutput(ev types.TerminalOutput) { b.Publish(ev) }

// EmitTerminalExit implements types.EventSink.
func (b *Broadcaster) EmitTerminalExit(ev types.TerminalExit) { b.Publish(ev) }

// oldest returns the sequence number of the oldest retained event. Caller holds mu.
func (b *Broadcaster) oldest() uint64 {
	capacity := uint64(len(b.ring))
	if b.next <= capacity {
		return 0
	}
	return b.next - capacity
}

// Subscriber reads events from a Broadcaster in publish order.
// A Subscriber is not safe for concurrent use.
type Subscriber struct {
	bus *Broadcaster
	pos uint64
}

// Recv blocks until the next event is available. It returns a *LaggedError
// when events were missed, ErrBusClosed after Close, or ctx.Err().
func (s *Subscriber) Recv(ctx context.Context) (types.DaemonEvent, error) {
	b := s.bus
	for {
		b.mu.Lock()
		if s.pos < b.next {
			if oldest := b.oldest(); s.pos < oldest {
				missed := oldest - s.pos
				s.pos = oldest
				b.mu.Unlock()
				return nil, &LaggedError{Missed: missed}
			}
			ev := b.ring[s.pos%uint64(len(b.ring))]
			s.pos++
			b.mu.Unlock()
			return ev, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBusClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}
