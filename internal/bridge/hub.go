// Package bridge exposes the GATT engine to local applications over HTTP
// and streams engine events over a WebSocket.
package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/gatt-peripheral/internal/ble"
)

// Message is the wire form of one engine event.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (c *client) write(msg Message, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(msg)
}

// Hub fans engine events out to every connected WebSocket client. It is a
// ble.EventSink. Clients that fail a write are dropped.
type Hub struct {
	writeTimeout time.Duration
	log          logrus.FieldLogger

	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

// NewHub returns a Hub with no clients. Writes that take longer than
// writeTimeout drop the client.
func NewHub(writeTimeout time.Duration, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		writeTimeout: writeTimeout,
		log:          logger,
		clients:      make(map[*websocket.Conn]*client),
	}
}

// AddClient starts sending events to conn.
func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &client{conn: conn}
	h.log.WithField("remote", conn.RemoteAddr().String()).Debug("[BRIDGE] websocket client added")
}

// RemoveClient stops sending events to conn and closes it.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit broadcasts ev as a Message named after the event.
func (h *Hub) Emit(ev ble.Event) {
	h.Broadcast(Message{Type: ev.EventName(), Payload: ev})
}

// Broadcast sends msg to every client and returns once each write has
// finished or timed out.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.write(msg, h.writeTimeout); err != nil {
				h.log.WithError(err).WithField("remote", c.conn.RemoteAddr().String()).
					Warn("[BRIDGE] dropping websocket client")
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		h.RemoveClient(conn)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

var _ ble.EventSink = (*Hub)(nil)
