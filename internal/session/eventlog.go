package session

import (
	"sync"

	"opendiscovery/internal/protocol"
)

// DefaultEventRetention is how many events each session's replay ring keeps.
const DefaultEventRetention = 512

// Event is one entry of the SSE replay log.
type Event struct {
	ID      uint64
	Message *protocol.Message
}

// EventLog is a bounded ring of server-to-client events with monotonic ids,
// backing Last-Event-ID replay on SSE reconnect. Events older than the
// retention limit are dropped; a reconnect past the horizon receives
// whatever is still retained, in order, with no duplicates.
type EventLog struct {
	mu     sync.Mutex
	nextID uint64
	events []Event
	limit  int
}

// NewEventLog creates an event log retaining up to limit events.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = DefaultEventRetention
	}
	return &EventLog{nextID: 1, limit: limit}
}

// Append stores a message and returns its assigned event id.
func (l *EventLog) Append(msg *protocol.Message) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.events = append(l.events, Event{ID: id, Message: msg})
	if len(l.events) > l.limit {
		l.events = l.events[len(l.events)-l.limit:]
	}
	return id
}

// Since returns all retained events with id greater than afterID, in order.
func (l *EventLog) Since(afterID uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out
}

// LastID returns the id of the newest event, or zero when empty.
func (l *EventLog) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].ID
}
