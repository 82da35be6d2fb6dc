// Package bus is the in-process event bus connecting the orchestration
// core to live subscribers. A Bus is an explicit instance with a defined
// lifecycle: created once at process start and passed by reference, so
// tests can run an isolated bus each.
//
// Delivery is FIFO per subscriber for events of the same kind and
// session. Each subscription owns a bounded queue; when it is full the
// event is dropped for that subscriber (and counted) rather than letting
// a slow consumer stall the publisher or grow memory without bound.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// EventKind discriminates the published event types.
type EventKind string

const (
	// KindStatusChanged fires on every session status transition.
	KindStatusChanged EventKind = "session_status_changed"
	// KindMessageAppended fires when a message is persisted for a session.
	KindMessageAppended EventKind = "message_appended"
	// KindRunningChanged fires when a session's turn starts or ends.
	KindRunningChanged EventKind = "running_changed"
)

// Event is implemented by all published event types.
type Event interface {
	EventKind() EventKind
	EventSessionID() string
}

// StatusChanged reports a session status transition.
type StatusChanged struct {
	SessionID string
	From      session.Status
	To        session.Status
	At        time.Time
}

func (e StatusChanged) EventKind() EventKind   { return KindStatusChanged }
func (e StatusChanged) EventSessionID() string { return e.SessionID }

// MessageAppended reports a newly persisted message.
type MessageAppended struct {
	SessionID string
	Message   session.Message
}

func (e MessageAppended) EventKind() EventKind   { return KindMessageAppended }
func (e MessageAppended) EventSessionID() string { return e.SessionID }

// RunningChanged reports whether a turn is in flight for the session.
type RunningChanged struct {
	SessionID string
	Running   bool
	At        time.Time
}

func (e RunningChanged) EventKind() EventKind   { return KindRunningChanged }
func (e RunningChanged) EventSessionID() string { return e.SessionID }

// Filter selects which events a subscription receives. Zero value means
// every kind for every session.
type Filter struct {
	Kinds     []EventKind
	SessionID string
}

func (f Filter) matches(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.EventSessionID() {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.EventKind() {
			return true
		}
	}
	return false
}

// DefaultQueueSize is the per-subscription buffer.
const DefaultQueueSize = 256

// Subscription is one subscriber's view of the bus. Receive from C until
// it is closed; close happens on Close(), on cancellation of the
// subscribe context, or when the bus itself shuts down.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	filter  Filter
	done    chan struct{}
	dropped atomic.Uint64
}

// Close deregisters the subscription and closes C. Safe to call more
// than once and concurrently with publishes.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Dropped returns how many events were discarded because the
// subscription's queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to matching subscriptions.
type Bus struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns a bus with the default per-subscription queue size.
func New() *Bus {
	return NewSized(DefaultQueueSize)
}

// NewSized returns a bus whose subscriptions buffer up to queueSize
// events each.
func NewSized(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription. When ctx is cancelled the
// subscription deregisters itself and C is closed; callers that manage
// lifetime explicitly can pass context.Background() and call Close.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) *Subscription {
	ch := make(chan Event, b.queueSize)
	sub := &Subscription{
		C:      ch,
		bus:    b,
		ch:     ch,
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		close(sub.done)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-sub.done:
		}
	}()

	return sub
}

// Publish delivers e to every matching subscription. It never blocks: a
// subscription whose queue is full loses the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			log.Debug("event dropped for slow subscriber",
				"kind", string(e.EventKind()),
				"session_id", e.EventSessionID(),
				"dropped", sub.dropped.Load())
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscription channel.
// Publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		close(sub.ch)
		close(sub.done)
	}
}

// remove deregisters sub; exactly one caller wins and closes the
// channels. Publish holds the read lock while sending, so a channel is
// never closed with a send in flight.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, present := b.subs[sub]
	if present {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if present {
		close(sub.ch)
		close(sub.done)
	}
}
