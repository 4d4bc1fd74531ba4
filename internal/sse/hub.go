// Package sse provides the in-process subscriber hub and HTTP handler for the
// gateway's live audit event stream. The Hub fans freshly appended audit
// events out to all currently-connected Server-Sent-Events subscribers
// without ever blocking the broadcasting goroutine.
//
// Design notes
//
//   - Each subscriber has a dedicated buffered channel of events. A
//     non-blocking send is used so that a slow or disconnected subscriber
//     never applies back-pressure to the request path.
//   - Subscribers are tracked in a sync.Map keyed by subscriber id to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - When a subscriber's buffer is full the event is dropped and the
//     subscriber is marked dead and removed; missed events are not replayed.
//   - Closing the hub closes every subscriber channel so the associated
//     HTTP pump goroutines exit cleanly.
package sse

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/gateway/internal/eventstore"
)

// DefaultBufferSize is the per-subscriber outbound buffer depth.
const DefaultBufferSize = 256

// Filter restricts which events a subscriber receives. An empty set matches
// everything.
type Filter struct {
	// Kinds, when non-empty, admits only the listed event kinds.
	Kinds map[eventstore.Kind]bool

	// ClientIDs, when non-empty, admits only events for the listed clients.
	ClientIDs map[string]bool
}

// Matches reports whether ev passes the filter: (kinds empty OR contains
// ev.Kind) AND (clientIDs empty OR contains ev.ClientID).
func (f Filter) Matches(ev eventstore.Event) bool {
	if len(f.Kinds) > 0 && !f.Kinds[ev.Kind] {
		return false
	}
	if len(f.ClientIDs) > 0 && !f.ClientIDs[ev.ClientID] {
		return false
	}
	return true
}

// Subscriber is one attached event-stream consumer. It is created by
// Hub.Attach and is valid until Hub.Detach is called or the hub closes its
// channel.
type Subscriber struct {
	id          string
	ch          chan eventstore.Event
	filter      Filter
	connectedAt time.Time

	dropped atomic.Int64
	dead    atomic.Bool

	// mu serialises sends on ch against closing it. A broadcast that has
	// already passed the dead check may otherwise send on a channel a
	// concurrent Detach just closed, which panics.
	mu     sync.Mutex
	closed bool
}

// send delivers ev without blocking. It reports false only when the buffer
// is full; a send to an already-detached subscriber is silently discarded.
func (s *Subscriber) send(ev eventstore.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// closeCh closes the channel exactly once, under the same lock send holds.
func (s *Subscriber) closeCh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive-only channel on which matching events are
// delivered. The channel is closed when the subscriber is detached.
func (s *Subscriber) Events() <-chan eventstore.Event { return s.ch }

// Dropped returns how many events were discarded because this subscriber's
// buffer was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Hub is the process-wide subscriber registry. It is safe for concurrent use.
type Hub struct {
	subs    sync.Map // map[string]*Subscriber
	subCnt  atomic.Int64
	dropCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates a Hub. bufSize <= 0 uses DefaultBufferSize.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{bufSize: bufSize, logger: logger}
}

// Attach registers a new subscriber with the given filter and returns it.
// The caller must call Detach with the subscriber's id when the connection
// ends. If the hub is already closed, the returned subscriber's channel is
// already closed.
func (h *Hub) Attach(filter Filter) *Subscriber {
	sub := &Subscriber{
		id:          uuid.NewString(),
		ch:          make(chan eventstore.Event, h.bufSize),
		filter:      filter,
		connectedAt: time.Now(),
	}
	if h.closed.Load() {
		sub.dead.Store(true)
		sub.closeCh()
		return sub
	}
	h.subs.Store(sub.id, sub)
	h.subCnt.Add(1)
	return sub
}

// Detach removes the subscriber with id and closes its channel so the pump
// goroutine exits cleanly. Detaching an unknown id is a no-op, which makes
// Detach idempotent.
func (h *Hub) Detach(id string) {
	if v, loaded := h.subs.LoadAndDelete(id); loaded {
		sub := v.(*Subscriber)
		sub.dead.Store(true)
		sub.closeCh()
		h.subCnt.Add(-1)
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (h *Hub) SubscriberCount() int { return int(h.subCnt.Load()) }

// DroppedTotal returns the process-wide count of events dropped due to slow
// subscribers.
func (h *Hub) DroppedTotal() int64 { return h.dropCnt.Load() }

// Broadcast delivers ev to every attached subscriber whose filter matches,
// using a non-blocking send. A subscriber whose buffer is full is marked
// dead and detached; the broadcaster never waits on a slow reader, so one
// stalled connection cannot delay delivery to any other subscriber.
func (h *Hub) Broadcast(ev eventstore.Event) {
	if h.closed.Load() {
		return
	}

	h.subs.Range(func(_, v any) bool {
		sub := v.(*Subscriber)
		if sub.dead.Load() || !sub.filter.Matches(ev) {
			return true
		}
		if !sub.send(ev) {
			sub.dropped.Add(1)
			h.dropCnt.Add(1)
			sub.dead.Store(true)
			h.logger.Warn("sse hub: subscriber buffer full, dropping and detaching",
				slog.String("subscriber_id", sub.id),
				slog.Int64("dropped", sub.dropped.Load()),
			)
			h.Detach(sub.id)
		}
		return true // continue ranging
	})
}

// Close marks every subscriber dead and closes its channel. After Close
// returns, Broadcast is a no-op and Attach returns closed subscribers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.subs.Range(func(key, v any) bool {
			h.subs.Delete(key)
			sub := v.(*Subscriber)
			sub.dead.Store(true)
			sub.closeCh()
			h.subCnt.Add(-1)
			return true
		})
	})
}
