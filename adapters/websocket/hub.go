package websocket

import (
	"sync"

	"github.com/satriahrh/skincarebot/utils/log"
)

// Hub tracks connected clients by session.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.WithCtx(client.ctx).Debug("New client registered")
}

// Unregister removes a client from the hub and closes it
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if ok {
		client.Close()
		log.WithCtx(client.ctx).Debug("Client unregistered")
	}
}

// SendToSession sends a message to every client of a session and returns
// how many received it.
func (h *Hub) SendToSession(sessionID string, message []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		if client.sessionID != sessionID || client.IsClosed() {
			continue
		}
		if err := client.SendMessage(message); err == nil {
			sent++
		}
	}
	return sent
}

// IsSessionConnected checks if a session has a live connection
func (h *Hub) IsSessionConnected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.sessionID == sessionID && !client.IsClosed() {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
