package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/anchord/internal/types"
)

func output(n int) types.TerminalOutput {
	return types.TerminalOutput{WorkspaceID: "ws", TerminalID: "t", Data: string(rune('a' + n%26))}
}

func recvNow(t *testing.T, sub *Subscriber) (types.DaemonEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBroadcaster_DeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewBroadcaster(16)
	a := bus.Subscribe()
	b := bus.Subscribe()

	for i := range 5 {
		bus.Publish(output(i))
	}

	for _, sub := range []*Subscriber{a, b} {
		for i := range 5 {
			ev, err := recvNow(t, sub)
			require.NoError(t, err)
			assert.Equal(t, output(i), ev)
		}
	}
}

func TestBroadcaster_SubscriberOnlySeesLaterEvents(t *testing.T) {
	bus := NewBroadcaster(16)
	bus.Publish(output(0))

	sub := bus.Subscribe()
	bus.Publish(output(1))

	ev, err := recvNow(t, sub)
	require.NoError(t, err)
	assert.Equal(t, output(1), ev)
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	bus := NewBroadcaster(4)
	_ = bus.Subscribe() // never reads

	done := make(chan struct{})
	go func() {
		for i := range 10000 {
			bus.Publish(output(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroadcaster_LaggedSubscriberResumes(t *testing.T) {
	bus := NewBroadcaster(4)
	sub := bus.Subscribe()

	for i := range 10 {
		bus.Publish(output(i))
	}

	_, err := recvNow(t, sub)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(6), lagged.Missed)

	// Continues from the oldest retained event.
	for i := 6; i < 10; i++ {
		ev, err := recvNow(t, sub)
		require.NoError(t, err)
		assert.Equal(t, output(i), ev)
	}

	bus.Publish(output(10))
	ev, err := recvNow(t, sub)
	require.NoError(t, err)
	assert.Equal(t, output(10), ev)
}

func TestBroadcaster_RecvWaitsForPublish(t *testing.T) {
	bus := NewBroadcaster(4)
	sub := bus.Subscribe()

	got := make(chan types.DaemonEvent, 1)
	go func() {
		ev, err := sub.Recv(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(types.TerminalExit{WorkspaceID: "ws", TerminalID: "t"})

	select {
	case ev := <-got:
		assert.Equal(t, types.MethodTerminalExit, ev.Method())
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake on publish")
	}
}

func TestBroadcaster_RecvHonorsContext(t *testing.T) {
	bus := NewBroadcaster(4)
	sub := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBroadcaster_CloseDrainsThenEnds(t *testing.T) {
	bus := NewBroadcaster(4)
	sub := bus.Subscribe()
	bus.Publish(output(1))
	bus.Close()
	bus.Publish(output(2)) // ignored after close

	ev, err := recvNow(t, sub)
	require.NoError(t, err)
	assert.Equal(t, output(1), ev)

	_, err = recvNow(t, sub)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBroadcaster_ImplementsEventSink(t *testing.T) {
	var sink types.EventSink = NewBroadcaster(4)
	_ = sink
}
