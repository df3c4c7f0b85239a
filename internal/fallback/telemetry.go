package fallback

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event actions.
const (
	ActionResolve = "resolve"
	ActionReplay  = "replay"
)

// Event describes one resolution or one queue replay step.
type Event struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Strategy     Strategy  `json:"strategy,omitempty"`
	Status       int       `json:"status,omitempty"`
	DurationMS   float64   `json:"duration_ms"`
	RequestSize  int       `json:"request_size"`
	ResponseSize int       `json:"response_size"`

	// Set on replay steps: 1-based position in the snapshot and its length.
	Index int `json:"index,omitempty"`
	Total int `json:"total,omitempty"`

	// OK is set on replay steps.
	OK *bool `json:"ok,omitempty"`
}

func newEvent(action string) Event {
	return Event{ID: uuid.NewString(), Time: time.Now().UTC(), Action: action}
}

// Hub fans events out to websocket observers and in-process subscribers.
// Each observer has its own writer goroutine behind a buffered channel, so a
// peer that stops reading only loses events. Slow subscribers miss events
// rather than stalling the proxy.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*observer
	upgrader websocket.Upgrader

	lmu       sync.RWMutex
	listeners map[chan Event]struct{}
}

type observer struct {
	conn *websocket.Conn
	send chan []byte
}

const (
	observerBuffer       = 256
	observerWriteTimeout = 2 * time.Second
)

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*observer),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listeners: make(map[chan Event]struct{}),
	}
}

// HandleWS upgrades the request and streams events to it until the peer
// goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	o := &observer{conn: c, send: make(chan []byte, observerBuffer)}
	h.mu.Lock()
	h.clients[c] = o
	h.mu.Unlock()

	go h.writeLoop(o)
	for {
		// Reads only detect the close.
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) writeLoop(o *observer) {
	for data := range o.send {
		_ = o.conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
		if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(o.conn)
			return
		}
	}
}

// drop unregisters c, stops its writer and closes the connection. It is safe
// to call more than once.
func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	o, ok := h.clients[c]
	delete(h.clients, c)
	if ok {
		close(o.send)
	}
	h.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Broadcast hands ev to every observer and subscriber without blocking.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	// Held while sending so drop cannot close a channel mid-send.
	h.mu.RLock()
	for _, o := range h.clients {
		select {
		case o.send <- data:
		default:
		}
	}
	h.mu.RUnlock()

	h.lmu.RLock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	h.lmu.RUnlock()
}

// Subscribe returns a channel receiving events. Callers must Unsubscribe.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 256)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}

// Observers is the number of connected websocket clients.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every websocket client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*observer)
	for _, o := range clients {
		close(o.send)
	}
	h.mu.Unlock()
	for c := range clients {
		_ = c.Close()
	}
}
