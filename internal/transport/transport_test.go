package transport

import (
	"context"
	"testing"
)

func TestTransportString(t *testing.T) {
	tests := map[Transport]string{
		TransportTCP:       "tcp",
		TransportWebSocket: "websocket",
		TransportRunner:    "runner",
		TransportUnknown:   "unknown",
		Transport(42):      "unknown",
	}
	for tr, want := range tests {
		if got := tr.String(); got != want {
			t.Errorf("Transport(%d).String() = %q, want %q", tr, got, want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	if got := GetTransport(context.Background()); got != TransportUnknown {
		t.Errorf("GetTransport(empty) = %v, want unknown", got)
	}
	ctx := WithTransport(context.Background(), TransportWebSocket)
	if got := GetTransport(ctx); got != TransportWebSocket {
		t.Errorf("GetTransport = %v, want websocket", got)
	}
}
