// Package events is the in-process status channel: every scheduler phase
// change is published here and fanned out to the status file, the HTTP API
// and the watch dashboard.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by arcyd components.
const (
	PassStarted     = "pass.started"
	PassFinished    = "pass.finished"
	PassReset       = "pass.reset"
	OperationFailed = "operation.failed"
	RetryDelay      = "retry.delay"
	ControlPause    = "control.pause"
	ControlKill     = "control.kill"
	SleepStarted    = "sleep.started"
	SleepTick       = "sleep.tick"
	SleepFinished   = "sleep.finished"
	CacheStarted    = "cache.started"
	CacheFinished   = "cache.finished"
	TimerTagged     = "timer.tagged"
	RepoStarted     = "repo.started"
	RepoFinished    = "repo.finished"
	DiffReduced     = "diff.reduced"
	DiffTooLarge    = "diff.too_large"
	ServiceStopping = "service.stopping"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can
// catch up, plus the last event of every type for status snapshots.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	ring   []Event
	start  int
	size   int
	latest map[string]Event

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring:   make([]Event, capacity),
		latest: make(map[string]Event),
		subs:   make(map[int]chan Event),
	}
}

// Publish records an event. Marshal failures degrade to an empty object.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	h.latest[eventType] = ev
	for _, ch := range h.subs {
		// Slow subscribers lose events rather than stall the scheduler.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Latest returns the most recent event of the given type.
func (h *Hub) Latest(eventType string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[eventType]
	return ev, ok
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
