// Package stream fans promotion lifecycle events out to websocket
// subscribers. Delivery is best effort: a subscriber that stops draining
// loses events rather than stalling publishers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types fanned out to websocket subscribers.
const (
	EventContextCompiled = "context_package.compiled"
	EventGateEvaluated   = "gate.evaluated"
	EventActionChecked   = "action.checked"
)

const defaultSubscriberBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		b, _ := json.Marshal(data)
		evt.Data = b
	}
	return evt
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes the channel, so callers must not use it afterwards.
// Unsubscribing a channel twice is a no-op.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, subscribed := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if subscribed {
		close(ch)
	}
}

// SubscriberCount feeds the stream_subscribers gauge.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many events were discarded because a subscriber
// buffer was full. It feeds the stream_dropped_events gauge.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish never blocks. Subscribers with a full buffer miss the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}
