package api

import (
	"sync"
	"time"
)

// Message is one JSON document on the /api/events websocket.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Hub fans messages out to websocket subscribers. Slow subscribers drop
// messages instead of blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Message]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Message]struct{})}
}

// Publish sends msg to every subscriber.
func (h *Hub) Publish(typ string, data any) {
	msg := Message{Type: typ, Time: time.Now(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed by
// Unsubscribe or Close.
func (h *Hub) Subscribe() chan Message {
	ch := make(chan Message, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan Message]struct{})
}
