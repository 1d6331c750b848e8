// Package stream carries dev-server output and status changes to subscribers.
//
// Each project has a Feed: a monotonically increasing sequence, a bounded ring
// of recent output lines, and a set of subscribers. New subscribers replay the
// ring and then receive live events. A subscriber that cannot keep up is
// dropped (its channel closed) rather than allowed to block the publisher or
// other subscribers.
package stream

import (
	"sync"
	"time"

	"github.com/zhubert/preview-core/logger"
)

// EventType identifies the kind of event flowing through a feed.
type EventType string

const (
	EventOutput EventType = "output"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Status is the broadcastable view of a dev server's lifecycle.
type Status struct {
	State     string     `json:"state"`
	Port      int        `json:"port,omitempty"`
	Pid       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// LogLine is one captured line of dev-server output.
type LogLine struct {
	Seq    uint64    `json:"seq"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Event is a single feed emission: exactly one payload field is set,
// according to Type.
type Event struct {
	Type    EventType `json:"type"`
	Seq     uint64    `json:"seq"`
	Line    *LogLine  `json:"line,omitempty"`
	Status  *Status   `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// subscriberBuffer is how many events a subscriber may lag before it is
// dropped.
const subscriberBuffer = 256

// Feed is the per-project event stream. Thread-safe.
type Feed struct {
	mu       sync.Mutex
	seq      uint64
	ring     []LogLine
	ringSize int
	subs     map[int]chan Event
	nextSub  int
}

// newFeed creates a feed with its sequence seeded from the wall clock, so
// sequence numbers stay distinguishable across daemon restarts. The guarantee
// holds while a project's lifetime event count stays below elapsed wall-clock
// milliseconds; sustained output above one event per millisecond right before
// a restart can overlap the previous run's range. Avoiding that would require
// persisting a high-water mark per project.
func newFeed(ringSize int) *Feed {
	return &Feed{
		seq:      uint64(time.Now().UnixMilli()),
		ring:     make([]LogLine, 0, ringSize),
		ringSize: ringSize,
		subs:     make(map[int]chan Event),
	}
}

// Append records an output line and broadcasts it.
func (f *Feed) Append(stream, text string) LogLine {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	line := LogLine{
		Seq:    f.seq,
		Stream: stream,
		Text:   text,
		Time:   time.Now(),
	}

	if len(f.ring) == f.ringSize {
		copy(f.ring, f.ring[1:])
		f.ring[len(f.ring)-1] = line
	} else {
		f.ring = append(f.ring, line)
	}

	f.broadcast(Event{Type: EventOutput, Seq: line.Seq, Line: &line})
	return line
}

// PublishStatus broadcasts a status change. Status events are not stored in
// the ring; the current status is always available from the supervisor.
func (f *Feed) PublishStatus(st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.broadcast(Event{Type: EventStatus, Seq: f.seq, Status: &st})
}

// PublishError broadcasts a terminal error message.
func (f *Feed) PublishError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.broadcast(Event{Type: EventError, Seq: f.seq, Message: msg})
}

// broadcast delivers an event to every subscriber without blocking.
// A subscriber with a full buffer is closed and removed.
// Caller must hold f.mu.
func (f *Feed) broadcast(ev Event) {
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(f.subs, id)
			logger.WithComponent("stream").Warn("dropped slow subscriber", "subscriber", id)
		}
	}
}

// Subscribe registers a new subscriber. It returns a replay of the retained
// output lines, a channel of live events, and a cancel function. Events
// published after the snapshot is taken arrive on the channel; the replay and
// the channel never overlap or gap because both are cut under the feed lock.
func (f *Feed) Subscribe() ([]LogLine, <-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	replay := make([]LogLine, len(f.ring))
	copy(replay, f.ring)

	ch := make(chan Event, subscriberBuffer)
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ch, ok := f.subs[id]; ok {
			close(ch)
			delete(f.subs, id)
		}
	}
	return replay, ch, cancel
}

// History returns a copy of the retained output lines.
func (f *Feed) History() []LogLine {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]LogLine, len(f.ring))
	copy(out, f.ring)
	return out
}

// SubscriberCount returns the number of live subscribers. Thread-safe.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Hub owns one Feed per project.
type Hub struct {
	mu       sync.RWMutex
	feeds    map[string]*Feed
	ringSize int
}

// NewHub creates a hub whose feeds retain ringSize output lines each.
func NewHub(ringSize int) *Hub {
	return &Hub{
		feeds:    make(map[string]*Feed),
		ringSize: ringSize,
	}
}

// Feed returns the feed for the project, creating it if needed. Thread-safe.
func (h *Hub) Feed(projectID string) *Feed {
	h.mu.RLock()
	f, ok := h.feeds[projectID]
	h.mu.RUnlock()
	if ok {
		return f
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Re-check: another goroutine may have created it between locks
	if f, ok := h.feeds[projectID]; ok {
		return f
	}
	f = newFeed(h.ringSize)
	h.feeds[projectID] = f
	return f
}

// Append records an output line for the project.
func (h *Hub) Append(projectID, stream, text string) {
	h.Feed(projectID).Append(stream, text)
}

// PublishStatus broadcasts a status change for the project.
func (h *Hub) PublishStatus(projectID string, st Status) {
	h.Feed(projectID).PublishStatus(st)
}

// PublishError broadcasts a terminal error for the project.
func (h *Hub) PublishError(projectID, msg string) {
	h.Feed(projectID).PublishError(msg)
}

// Subscribe subscribes to the project's feed.
func (h *Hub) Subscribe(projectID string) ([]LogLine, <-chan Event, func()) {
	return h.Feed(projectID).Subscribe()
}

// History returns the retained output lines for the project.
func (h *Hub) History(projectID string) []LogLine {
	return h.Feed(projectID).History()
}
