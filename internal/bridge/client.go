package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// idleTimeout closes a connection that has sent nothing (not even a ping)
// for this long (spec.md §6.1: "server closes idle connections after 60 s
// without activity").
const idleTimeout = 60 * time.Second

const (
	writeWait      = 10 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client wraps one WebSocket connection. Grounded on
// internal/transport/websocket/client.go's ReadPump/WritePump split, with
// the pong handler resetting idleTimeout instead of a fixed PongWait, since
// spec.md's 60 s window is measured from "without activity" (any client
// message), not only pongs.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
}

// NewClient constructs a Client and registers it with hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, logger *zap.Logger) *Client {
	c := &Client{
		id:            id,
		conn:          conn,
		hub:           hub,
		logger:        logger,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
	}
	hub.register(c)
	return c
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("bridge client send buffer full, dropping client", zap.String("client_id", c.id))
		c.hub.unregister(c)
		c.conn.Close()
	}
}

func (c *Client) isSubscribed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[key]
}

func (c *Client) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.subscriptions[t] = true
	}
}

func (c *Client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
}

// ReadPump reads client frames until the connection closes or idles out,
// dispatching subscribe/unsubscribe/ping per spec.md §6.1.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("bridge client read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("bridge client sent unparseable message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}

		switch msg.Type {
		case "ping":
			if payload, err := encode(TypeStatus, StatusPayload{Status: "pong", Timestamp: time.Now()}); err == nil {
				c.enqueue(payload)
			}
		case "subscribe":
			c.subscribe(msg.Topics)
		case "unsubscribe":
			c.unsubscribe(msg.Topics)
		default:
			c.logger.Debug("bridge client sent unknown message type", zap.String("client_id", c.id), zap.String("type", msg.Type))
		}
	}
}

// WritePump drains c.send to the connection, pinging on pingInterval to
// keep intermediaries from closing the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
