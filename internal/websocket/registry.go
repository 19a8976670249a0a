package websocket

import "sync"

// ClientRegistry tracks live WebSocket connections by connection id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Connection
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (r *ClientRegistry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// Remove unregisters a connection.
func (r *ClientRegistry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.ID())
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes all client connections. Each connection removes itself
// once its handler exits.
func (r *ClientRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
