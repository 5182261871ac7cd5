package events

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 32

// Subscription is one consumer attached to an identity's room. Events
// arrive on C until Close.
type Subscription struct {
	C        chan Event
	identity string
	hub      *Hub
	once     sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.drop(s) })
}

// Hub is the in-process event bus: publish/subscribe over per-identity
// rooms. Publishing never blocks; a subscriber that cannot keep up loses
// the event (live updates are best-effort, the store is the truth).
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{rooms: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(identity string) *Subscription {
	sub := &Subscription{C: make(chan Event, h.buffer), identity: identity, hub: h}
	h.mu.Lock()
	room, ok := h.rooms[identity]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[identity] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(identity string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[identity] {
		select {
		case sub.C <- ev:
		default:
			slog.Warn("event dropped for slow subscriber", "identity", identity, "event_type", ev.Type)
		}
	}
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	room := h.rooms[sub.identity]
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sub.identity)
	}
	h.mu.Unlock()
	close(sub.C)
}
