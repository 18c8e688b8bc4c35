// Package transport carries the per-user and per-engine websocket channels.
// It is the only layer that sees raw envelopes; everything behind it works
// with verified actions and job reports.
package transport

import (
	"encoding/json"
	"log"
	"sync"
)

// event is the outbound typed message wrapper.
type event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// clientMessage is the inbound wrapper, routed by event name.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEvent(name string, payload any) ([]byte, bool) {
	b, err := json.Marshal(event{Event: name, Payload: payload})
	if err != nil {
		log.Printf("[TRANSPORT] encode %s: %v", name, err)
		return nil, false
	}
	return b, true
}

// conn is one live client connection with a buffered writer channel.
type conn struct {
	userID string
	send   chan []byte
	once   sync.Once
}

func (c *conn) write(b []byte) {
	select {
	case c.send <- b:
	default:
		// Slow consumer; drop rather than block the broker.
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks connected user sessions for targeted and broadcast emission.
type Hub struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

// SendToUser emits a typed event to every connection of one user.
func (h *Hub) SendToUser(userID, name string, payload any) {
	b, ok := encodeEvent(name, payload)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.userID == userID {
			c.write(b)
		}
	}
}

// Broadcast emits a typed event to every connected user.
func (h *Hub) Broadcast(name string, payload any) {
	b, ok := encodeEvent(name, payload)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.write(b)
	}
}
