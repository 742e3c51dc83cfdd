package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
)

// Client is one live-update connection
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	devices map[string]struct{}

	closeOnce sync.Once
}

// wants reports whether the client subscribed to deviceID. A client
// without a filter receives everything.
func (c *Client) wants(deviceID string) bool {
	if deviceID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

func (c *Client) subscribe(deviceIDs []string) {
	c.mu.Lock()
	c.devices = make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		c.devices[id] = struct{}{}
	}
	c.mu.Unlock()
}

// HubOptions configures a Hub
type HubOptions struct {
	SendBuffer     int
	AllowedOrigins []string
	Metrics        *metrics.Metrics

	// Normalize maps subscribed device ids to the ids used in events
	Normalize func(string) string
}

// Hub fans events out to websocket clients. Broadcast writes into each
// client's buffered queue from the caller's goroutine, so events of one
// device keep their order. A client whose queue is full is disconnected
// instead of silently losing events.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	h := &Hub{
		opts:    opts,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.opts.Metrics.SetWSClients(n)
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.closeOnce.Do(func() { close(c.send) })
		h.opts.Metrics.SetWSClients(n)
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every subscribed client
func (h *Hub) Broadcast(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	b, err := json.Marshal(Message{
		Type:  "event",
		Event: ev.Name,
		Data:  ev.Data,
		TS:    at.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev.DeviceID) {
			continue
		}
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// slow client: evict
	for _, c := range slow {
		log.Warn().Str("client", c.ID.String()).Msg("live client too slow, disconnecting")
		h.unregister(c)
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) direct(c *Client, msg Message) {
	msg.TS = time.Now().Unix()
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// inbound is a client to server message
type inbound struct {
	Type      string   `json:"type"`
	DeviceIDs []string `json:"deviceIds"`
}

// ServeHTTP upgrades the request and serves the client until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := h.register(conn)
	log.Debug().Str("client", c.ID.String()).Str("remote", r.RemoteAddr).Msg("live client connected")

	done := make(chan struct{})
	go h.writePump(c, done)

	h.direct(c, Message{Type: "hello", Data: map[string]string{"clientId": c.ID.String()}})
	h.readPump(c)

	h.unregister(c)
	<-done
	conn.Close()
	log.Debug().Str("client", c.ID.String()).Msg("live client disconnected")
}

func (h *Hub) readPump(c *Client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.direct(c, Message{Type: "error", Data: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.direct(c, Message{Type: "pong"})
		case "subscribe":
			ids := msg.DeviceIDs
			if h.opts.Normalize != nil {
				for i := range ids {
					ids[i] = h.opts.Normalize(ids[i])
				}
			}
			c.subscribe(ids)
			h.direct(c, Message{Type: "subscribed", Data: ids})
		default:
			h.direct(c, Message{Type: "error", Data: "unknown message type"})
		}
	}
}

func (h *Hub) writePump(c *Client, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				// unblock readPump
				c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
