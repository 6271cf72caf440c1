// Package ws exposes the chat core over WebSocket: a hub of active
// connections keyed by user ID, a bridge that fans bus events out to
// them, and the /ws handler speaking the JSON command protocol.
package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// conn wraps a websocket connection with a write lock; gorilla permits
// only one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub manages active WebSocket connections keyed by user ID and
// broadcasts events to one or more users. A user may hold several
// connections (multiple devices); each receives every event.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*conn]struct{}),
	}
}

func (h *Hub) register(userID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*conn]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

func (h *Hub) unregister(userID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Connected reports whether the user has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// AnyConnected reports whether any of the users has an open connection.
func (h *Hub) AnyConnected(userIDs []string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range userIDs {
		if len(h.conns[id]) > 0 {
			return true
		}
	}
	return false
}

// BroadcastToUsers sends the payload to every active connection of the
// given users. Failed connections are closed; removal happens when
// their read loops exit.
func (h *Hub) BroadcastToUsers(userIDs []string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, uid := range userIDs {
		for c := range h.conns[uid] {
			if err := c.writeJSON(payload); err != nil {
				c.ws.Close()
			}
		}
	}
}

// BroadcastAll sends the payload to every connected user.
func (h *Hub) BroadcastAll(payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.conns {
		for c := range conns {
			if err := c.writeJSON(payload); err != nil {
				c.ws.Close()
			}
		}
	}
}
