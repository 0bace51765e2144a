package narration

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait   = 10 * time.Second
	clientQueue = 64
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts events to websocket subscribers. A client that falls
// behind by more than its queue is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Warn("ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observ.SetGauge("ws_clients", float64(n), nil)

	go h.writer(c)
	go h.reader(c)
}

// reader drains control frames and notices disconnects
func (h *Hub) reader(c *hubClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) drop(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	observ.SetGauge("ws_clients", float64(n), nil)
}

func (h *Hub) Emit(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
			observ.IncCounter("ws_slow_clients_dropped_total", nil)
		}
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
