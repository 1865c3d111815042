package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the server components.
const (
	CommandDispatched = "command.dispatched"
	CommandResolved   = "command.resolved"
	CommandTimedOut   = "command.timed_out"
	CommandFailed     = "command.failed"
	LiveFrame         = "live.frame"
	LiveStopped       = "live.stopped"
	RetentionPruned   = "retention.pruned"
)

const subscriberBuffer = 128

// Event is one lifecycle notification.
type Event struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id,omitempty"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(eventType, deviceID string, data any)
}

type subscriber struct {
	deviceID string
	ch       chan Event
}

func (s subscriber) wants(ev Event) bool {
	return s.deviceID == "" || s.deviceID == ev.DeviceID
}

// Hub is an in-memory fan-out with a ring buffer so late SSE clients can
// replay recent history via Last-Event-ID.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records ev and hands it to every interested subscriber. Slow
// subscribers miss events rather than block the publisher.
func (h *Hub) Publish(eventType, deviceID string, data any) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:       h.nextID.Add(1),
		Type:     eventType,
		DeviceID: deviceID,
		At:       time.Now().UTC(),
		Data:     payload,
	}
	h.push(ev)
	for _, s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. An empty deviceID receives every event.
// The returned cancel func closes the channel and is safe to call twice.
func (h *Hub) Subscribe(deviceID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = subscriber{deviceID: deviceID, ch: ch}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// SnapshotSince returns buffered events newer than lastID, oldest first,
// restricted to deviceID when it is non-empty.
func (h *Hub) SnapshotSince(lastID int64, deviceID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	filter := subscriber{deviceID: deviceID}
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && filter.wants(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) push(ev Event) {
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % len(h.ring)
}
