package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"

	"github.com/gorilla/websocket"
)

// EventMQTTMessage carries the raw body of every accepted inbound message.
const EventMQTTMessage = "mqtt_message"

const (
	defaultSendBuffer = 64
	maxInboundFrame   = 1024

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans events out to connected websocket subscribers. There is no replay:
// a subscriber only sees events broadcast while it is registered.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are dashboards on other origins; the API is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		clients:    map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.sendBuffer)}
	h.addClient(c)
	slog.Debug("realtime subscriber connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast never blocks on a subscriber. A subscriber whose buffer is full
// is disconnected.
func (h *Hub) Broadcast(event string, data json.RawMessage) {
	b, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		slog.Warn("realtime event encode failed", "event", event, "error", err)
		return
	}

	observability.Broadcasts.Inc()
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		select {
		case sub.send <- b:
		default:
			slog.Warn("realtime subscriber too slow, dropping", "remote", sub.conn.RemoteAddr().String())
			h.dropLocked(sub)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		h.dropLocked(sub)
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	observability.Subscribers.Set(float64(len(h.clients)))
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, registered := h.clients[c]; registered {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
	observability.Subscribers.Set(float64(len(h.clients)))
}

// readPump discards inbound frames; it exists to process pongs and to notice
// the peer going away.
func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(maxInboundFrame)
	c.extendRead()
	c.conn.SetPongHandler(func(string) error { return c.extendRead() })
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	// Closing the conn makes readPump return and unregister the client.
	defer func() { _ = c.conn.Close() }()

	for {
		var err error
		select {
		case msg, open := <-c.send:
			if !open {
				_ = c.write(websocket.CloseMessage, nil)
				return
			}
			err = c.write(websocket.TextMessage, msg)
		case <-keepalive.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *client) extendRead() error {
	return c.conn.SetReadDeadline(time.Now().Add(pongWait))
}
