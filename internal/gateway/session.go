package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"clawgate/internal/protocol"
)

// Client is the materialized session behind a connection whose handshake
// succeeded. It owns the socket handle and exposes the send/close surface
// the request-routing layer uses for all subsequent traffic.
type Client struct {
	conn        *websocket.Conn
	connID      string
	params      protocol.ConnectParams
	role        string
	scopes      []string
	remoteIP    string
	presenceKey string
	deviceID    string
	authMethod  string
	connectedAt time.Time

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

// ConnID returns the unique connection id.
func (c *Client) ConnID() string { return c.connID }

// Role returns the resolved, immutable role.
func (c *Client) Role() string { return c.role }

// Scopes returns the resolved capability scopes.
func (c *Client) Scopes() []string { return c.scopes }

// RemoteIP returns the resolved client address.
func (c *Client) RemoteIP() string { return c.remoteIP }

// Send queues a frame for delivery. Returns false if the client's buffer is
// full or the session has been torn down.
func (c *Client) Send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// enqueue is the single path onto the send channel. The mutex orders it
// against closeSend, so a send can never race a concurrent teardown onto a
// closed channel.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, letting the write pump
// drain and exit.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// Close closes the underlying socket once.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.conn.Close(code, protocol.TruncateCloseReason(reason))
	})
}

// Registry tracks the authenticated sessions of one gateway instance and
// fans gateway events out to them.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add registers a client after its handshake fully succeeded.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.connID] = c
	total := len(r.clients)
	r.mu.Unlock()
	r.logger.Debug("session registered", "conn", c.connID, "role", c.role, "total", total)
}

// Remove drops a client; safe to call for unknown ids.
func (r *Registry) Remove(connID string) *Client {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
		c.closeSend()
	}
	total := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.logger.Debug("session removed", "conn", connID, "total", total)
	return c
}

// Get returns a client by connection id.
func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast marshals a frame once and queues it to every session. Clients
// whose send buffer is full are evicted: a stuck reader must not stall
// anyone else.
func (r *Registry) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("broadcast marshal", "err", err)
		return
	}
	r.mu.Lock()
	var slow []*Client
	for _, c := range r.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(r.clients, c.connID)
		c.closeSend()
	}
	r.mu.Unlock()
	for _, c := range slow {
		r.logger.Warn("session evicted (too slow)", "conn", c.connID)
		c.Close(websocket.StatusPolicyViolation, "send buffer overflow")
	}
}

// Snapshot assembles the presence list for hello-ok responses.
func (r *Registry) Snapshot() []protocol.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]protocol.PresenceEntry, 0, len(r.clients))
	for _, c := range r.clients {
		entries = append(entries, protocol.PresenceEntry{
			ConnID:      c.connID,
			ClientID:    c.params.Client.ID,
			DisplayName: c.params.Client.DisplayName,
			Mode:        c.params.Client.Mode,
			Role:        c.role,
			ConnectedAt: c.connectedAt.UnixMilli(),
		})
	}
	return entries
}

// CloseAll force-closes every session, for shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
		c.closeSend()
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, reason)
	}
}

// writePump drains the client's send channel onto the socket.
func (c *Client) writePump() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.Close(websocket.StatusNormalClosure, "")
}
