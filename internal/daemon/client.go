package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// RPCError is an error result returned by the daemon.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Client is a line-JSON TCP client for the daemon. Calls are serialized;
// event notifications arriving between responses are passed to OnEvent.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mu     sync.Mutex
	nextID uint64

	// OnEvent receives notifications read while waiting for a response.
	OnEvent func(method string, params json.RawMessage)
}

// NewClient connects to the daemon at addr ("host:port").
func NewClient(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Auth authenticates the connection with token.
func (c *Client) Auth(ctx context.Context, token string) error {
	_, err := c.Call(ctx, "auth", map[string]string{"token": token})
	return err
}

type clientRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type clientMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends a request and waits for its response. The context deadline,
// if any, bounds the whole exchange.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	data, err := json.Marshal(clientRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush request: %w", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		var msg clientMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			if msg.Method != "" && c.OnEvent != nil {
				c.OnEvent(msg.Method, msg.Params)
			}
			continue
		}
		if *msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return nil, &RPCError{Message: msg.Error.Message}
		}
		return msg.Result, nil
	}
}

// DialWithRetry connects to addr, retrying until the daemon accepts or
// timeout elapses.
func DialWithRetry(addr string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		client, err := NewClient(addr)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errors.Join(errors.New("timeout waiting for daemon"), lastErr)
		case <-ticker.C:
		}
	}
}
