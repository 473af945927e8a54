// Package events fans out run lifecycle notifications to SSE clients.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is one published run notification. IDs increase by one per publish
// and the replay ring is kept in ID order.
type Event struct {
	ID    int64     `json:"id"`
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	At    time.Time `json:"at"`
	Data  []byte    `json:"data"`
}

type subscriber struct {
	runID string
	ch    chan Event
}

func (s *subscriber) wants(ev Event) bool {
	return s.runID == "" || s.runID == ev.RunID
}

// Hub is an in-memory pub/sub for run events with a replay ring for clients
// resuming from Last-Event-ID.
type Hub struct {
	mu       sync.Mutex
	lastID   int64
	ring     []Event
	capacity int

	subs      map[int]*subscriber
	nextSubID int
	subBuffer int
}

// NewHub returns a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring:      make([]Event, 0, capacity),
		capacity:  capacity,
		subs:      make(map[int]*subscriber),
		subBuffer: 64,
	}
}

// PublishRun records a run event and hands it to every matching subscriber.
// A subscriber whose buffer is full misses the event; it can catch up with
// SnapshotSince.
func (h *Hub) PublishRun(eventType string, p RunPayload) Event {
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte("{}")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:    h.lastID,
		Type:  eventType,
		RunID: p.RunID,
		At:    time.Now().UTC(),
		Data:  data,
	}
	if len(h.ring) == h.capacity {
		copy(h.ring, h.ring[1:])
		h.ring = h.ring[:len(h.ring)-1]
	}
	h.ring = append(h.ring, ev)

	for _, s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a listener for runID, or for every run when runID is
// empty. The returned cancel func is idempotent and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	s := &subscriber{runID: runID, ch: make(chan Event, h.subBuffer)}
	h.subs[id] = s

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest first,
// limited to runID unless it is empty.
func (h *Hub) SnapshotSince(lastID int64, runID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.ring), func(i int) bool { return h.ring[i].ID > lastID })
	out := make([]Event, 0, len(h.ring)-i)
	for _, ev := range h.ring[i:] {
		if runID == "" || ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}
