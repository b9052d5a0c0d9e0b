package bridge

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks connected clients and fans broadcasts out to them. Grounded on
// internal/ws/hub.go's register/unregister/broadcast channel triangle,
// adapted here with per-client indicator-key subscription sets instead of
// a global message-handler registry, since the bridge only ever speaks the
// fixed wire protocol of spec.md §6.1.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcastAll pushes an already-encoded message to every connected client,
// used for the unfiltered session/signal/order/position/market_data topics
// of spec.md §4.8's whitelist.
func (h *Hub) broadcastAll(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

// broadcastSubscribed pushes an already-encoded message only to clients
// subscribed to key, used for indicator.updated's "filtered by UI
// subscriptions" delivery rule.
func (h *Hub) broadcastSubscribed(key string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(key) {
			c.enqueue(payload)
		}
	}
}

// clientCount reports the number of connected clients, for metrics/status.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
