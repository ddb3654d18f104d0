// Package events fans job and install lifecycle notifications out to
// in-process listeners and SSE clients.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	JobPending       = "job.pending"
	JobRunning       = "job.running"
	JobCompleted     = "job.completed"
	JobFailed        = "job.failed"
	InstallCompleted = "install.completed"
	InstallFailed    = "install.failed"
)

type Event struct {
	ID    int64     `json:"id"`
	Type  string    `json:"type"`
	JobID string    `json:"job_id,omitempty"`
	At    time.Time `json:"at"`
	Data  []byte    `json:"data"` // JSON payload
}

// Filter selects events. The zero Filter matches everything.
type Filter struct {
	JobID string
	Types []string
}

func (f Filter) Match(ev Event) bool {
	if f.JobID != "" && ev.JobID != f.JobID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub keeps the most recent events for replay and delivers new ones to
// subscribers. A subscriber that falls behind misses events rather than
// stalling the publisher; Dropped counts them.
type Hub struct {
	lastID  atomic.Int64
	dropped atomic.Uint64
	now     func() time.Time

	mu      sync.Mutex
	backlog []Event
	limit   int
	subs    map[*subscriber]struct{}
}

// NewHub keeps up to backlog events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 100
	}
	return &Hub{
		now:     time.Now,
		limit:   backlog,
		backlog: make([]Event, 0, backlog),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish records and broadcasts an event. data is marshaled to JSON; nil and
// unmarshalable values become an empty object.
func (h *Hub) Publish(eventType, jobID string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the backlog stays ordered.
	ev := Event{
		ID:    h.lastID.Add(1),
		Type:  eventType,
		JobID: jobID,
		At:    h.now().UTC(),
		Data:  payload,
	}
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events matching f. The cancel func closes
// the channel and may be called more than once.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	sub := &subscriber{filter: f, ch: make(chan Event, 128)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Since returns retained events with ID greater than lastID that match f,
// oldest first.
func (h *Hub) Since(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the id of the newest published event, 0 before the first.
func (h *Hub) LastID() int64 { return h.lastID.Load() }

// Dropped is the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
