// Package telemetry pushes live relay state to WebSocket observers: a
// periodic broadcast of dashboard, connection, bandwidth and host metrics
// plus ad hoc stream status events.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/internal/metrics"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum control frame size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotFunc builds the messages pushed to a freshly connected observer so
// the UI renders without waiting for the next broadcast tick.
type SnapshotFunc func() []api.Message

// RequestFunc builds the payload for an on-demand pull of one kind.
type RequestFunc func(kind string) (api.Message, bool)

// outbound is one marshalled message routed to a subscription channel.
type outbound struct {
	channel string
	data    []byte
}

// Hub maintains the set of observer connections and routes messages to them
// by subscription channel.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     logging.Logger
	metrics    *metrics.Metrics
	snapshot   SnapshotFunc
	request    RequestFunc
	mutex      sync.RWMutex
}

// NewHub creates an observer hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetMetrics attaches the Prometheus metric set.
func (h *Hub) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetSnapshotFunc sets the initial-snapshot builder.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) { h.snapshot = fn }

// SetRequestFunc sets the on-demand payload builder.
func (h *Hub) SetRequestFunc(fn RequestFunc) { h.request = fn }

// Run drives the hub's main loop until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ClientConnected()
			h.logger.WithFields(logging.Fields{
				"client_count": count,
			}).Info("Observer connected")
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			// A slow consumer dropped during a broadcast was already counted.
			if ok {
				h.metrics.ClientDisconnected()
				h.logger.WithFields(logging.Fields{
					"client_count": count,
				}).Info("Observer disconnected")
			}

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Broadcast routes one event to every observer subscribed to the channel.
// Non-blocking; if the hub is saturated the message is dropped.
func (h *Hub) Broadcast(channel string, msg api.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- outbound{channel: channel, data: data}:
	default:
		h.logger.WithField("event", msg.Event).Warn("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ChannelStats returns subscription counts per channel for the admin API.
func (h *Hub) ChannelStats() map[string]int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := make(map[string]int)
	for client := range h.clients {
		for _, channel := range client.subscriptions() {
			stats[channel]++
		}
	}
	return stats
}

// ServeWS upgrades an HTTP request to a WebSocket observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		// Every observer starts on the firehose; clients narrow it down with
		// an explicit subscribe if they want less.
		channels: map[string]bool{api.ChannelAll: true},
		logger:   h.logger,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) broadcastMessage(msg outbound) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !client.subscribedTo(msg.channel) {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			// Slow consumer; drop it rather than stall the hub.
			close(client.send)
			delete(h.clients, client)
			h.metrics.ClientDisconnected()
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	if h.snapshot == nil {
		return
	}
	for _, msg := range h.snapshot() {
		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal snapshot message")
			continue
		}
		client.queue(data)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Client is one WebSocket observer connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu       sync.Mutex
	channels map[string]bool
}

func (c *Client) subscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel] || c.channels[api.ChannelAll]
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	return out
}

// queue enqueues one marshalled message, dropping it if the buffer is full.
func (c *Client) queue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// readPump consumes control frames (subscribe, unsubscribe, request) until
// the connection closes.
func (c *Client) readPump() {
	defer func() {
		// The hub may already be shut down; don't block the pump on it.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket connection error")
			}
			break
		}

		var sub api.SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.WithError(err).Warn("Invalid subscription message")
			continue
		}
		c.handleControl(&sub)
	}
}

// writePump moves queued messages to the wire and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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

func (c *Client) handleControl(msg *api.SubscriptionMessage) {
	switch msg.Action {
	case api.ActionSubscribe:
		c.mu.Lock()
		// An explicit subscription replaces the initial firehose.
		delete(c.channels, api.ChannelAll)
		for _, channel := range msg.Channels {
			c.channels[channel] = true
		}
		c.mu.Unlock()
		c.confirm("subscription_confirmed")

	case api.ActionUnsubscribe:
		c.mu.Lock()
		for _, channel := range msg.Channels {
			delete(c.channels, channel)
		}
		c.mu.Unlock()
		c.confirm("unsubscription_confirmed")

	case api.ActionRequest:
		if c.hub.request == nil {
			return
		}
		reply, ok := c.hub.request(msg.Kind)
		if !ok {
			c.logger.WithField("kind", msg.Kind).Warn("Unknown on-demand payload kind")
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			c.logger.WithError(err).Error("Failed to marshal on-demand payload")
			return
		}
		c.queue(data)

	default:
		c.logger.WithField("action", msg.Action).Warn("Unknown control action")
	}
}

func (c *Client) confirm(kind string) {
	data, err := json.Marshal(api.SubscriptionConfirmation{
		Type:     kind,
		Channels: c.subscriptions(),
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal confirmation")
		return
	}
	c.queue(data)
}
