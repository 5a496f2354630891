// Package notify fans job lifecycle events out to websocket clients and to
// the message broker.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/gorilla/websocket"
)

const (
	// clientBuffer is the number of events a client may lag behind before
	// it is disconnected
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub broadcasts job events to connected websocket clients. Delivery to a
// client never blocks the queue; a client that falls too far behind is
// dropped.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Serve registers conn, sends it the snapshot of current jobs, and pumps
// events to it until the peer goes away. It blocks for the lifetime of the
// connection. snapshot runs with the client list locked, so an event is
// either reflected in the snapshot or delivered after it.
func (h *Hub) Serve(conn *websocket.Conn, snapshot func() []jobqueue.Job) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	var jobs []jobqueue.Job
	if snapshot != nil {
		jobs = snapshot()
	}
	if data, err := json.Marshal(map[string]any{"type": "snapshot", "jobs": jobs}); err == nil {
		c.send <- data
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Websocket client connected", slog.Int("clients", count))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(c)
	}()

	h.readPump(c)
	h.remove(c)
	<-done
	conn.Close()
}

// readPump discards client messages and returns when the connection fails
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close() // unblocks readPump
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("Websocket client disconnected", slog.Int("clients", count))
	}
}

// OnJobEvent implements jobqueue.Observer
func (h *Hub) OnJobEvent(e jobqueue.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode job event",
			slog.String("job_id", e.Job.ID),
			slog.Any("error", err),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
			h.logger.Warn("Dropping slow websocket client", slog.String("job_id", e.Job.ID))
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

var _ jobqueue.Observer = (*Hub)(nil)
