// Package event defines the notification feed consumed by callers. The UI
// never polls internal state directly; it subscribes here and takes
// on-demand snapshots through the manager.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the feed event types.
type Kind string

const (
	Created         Kind = "created"
	Started         Kind = "started"
	Paused          Kind = "paused"
	Resumed         Kind = "resumed"
	Stopped         Kind = "stopped"
	Deleted         Kind = "deleted"
	Error           Kind = "error"
	ResourceWarning Kind = "resource_warning"
	PerformanceTick Kind = "performance_tick"
	SecurityAlert   Kind = "security_alert"
)

// Event is one feed entry.
type Event struct {
	ID        string
	Kind      Kind
	SandboxID string
	Message   string
	Timestamp time.Time

	// Payload carries kind-specific data, e.g. a PerformanceSample for
	// PerformanceTick events.
	Payload interface{}
}

// New builds an event with a fresh id and timestamp.
func New(kind Kind, sandboxID, message string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SandboxID: sandboxID,
		Message:   message,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

const subscriberBuffer = 64

// Feed fans events out to subscribers. Publishing never blocks the control
// plane: a subscriber whose buffer is full misses the event.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel or feed close.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	ch := make(chan Event, subscriberBuffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the feed down and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
