package sse

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tollgate/gateway/internal/eventstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ev(kind eventstore.Kind, clientID string) eventstore.Event {
	return eventstore.Event{
		EventID:   fmt.Sprintf("ev-%s-%s", kind, clientID),
		RequestID: "req",
		ClientID:  clientID,
		Kind:      kind,
	}
}

func TestBroadcast_DeliversToMatchingSubscribers(t *testing.T) {
	h := NewHub(testLogger(), 8)
	defer h.Close()

	all := h.Attach(Filter{})
	onlyResponses := h.Attach(Filter{
		Kinds: map[eventstore.Kind]bool{eventstore.KindMCPResponse: true},
	})
	onlyAlice := h.Attach(Filter{ClientIDs: map[string]bool{"alice": true}})

	h.Broadcast(ev(eventstore.KindMCPRequest, "alice"))
	h.Broadcast(ev(eventstore.KindMCPResponse, "bob"))

	if got := len(all.Events()); got != 2 {
		t.Errorf("unfiltered subscriber buffered %d events, want 2", got)
	}
	if got := len(onlyResponses.Events()); got != 1 {
		t.Errorf("kind-filtered subscriber buffered %d events, want 1", got)
	}
	if got := len(onlyAlice.Events()); got != 1 {
		t.Errorf("client-filtered subscriber buffered %d events, want 1", got)
	}

	// Delivery order matches broadcast order.
	first := <-all.Events()
	second := <-all.Events()
	if first.Kind != eventstore.KindMCPRequest || second.Kind != eventstore.KindMCPResponse {
		t.Errorf("order violated: got %s then %s", first.Kind, second.Kind)
	}
}

func TestFilter_BothDimensionsMustMatch(t *testing.T) {
	f := Filter{
		Kinds:     map[eventstore.Kind]bool{eventstore.KindError: true},
		ClientIDs: map[string]bool{"alice": true},
	}
	if !f.Matches(ev(eventstore.KindError, "alice")) {
		t.Error("matching event rejected")
	}
	if f.Matches(ev(eventstore.KindError, "bob")) {
		t.Error("wrong client admitted")
	}
	if f.Matches(ev(eventstore.KindMCPRequest, "alice")) {
		t.Error("wrong kind admitted")
	}
	if !(Filter{}).Matches(ev(eventstore.KindMCPRequest, "anyone")) {
		t.Error("empty filter must match everything")
	}
}

func TestBroadcast_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	h := NewHub(testLogger(), 2)
	defer h.Close()

	slow := h.Attach(Filter{}) // never reads
	fast := h.Attach(Filter{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			h.Broadcast(ev(eventstore.KindError, "c"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}

	// The slow subscriber overflowed its 2-slot buffer and was detached.
	if slow.Dropped() == 0 {
		t.Error("slow subscriber recorded no drops")
	}
	if h.DroppedTotal() == 0 {
		t.Error("hub recorded no drops")
	}
	if h.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1 (slow one removed)", h.SubscriberCount())
	}

	// The fast subscriber's channel holds only its buffer capacity, but its
	// delivery was never delayed: drain what fits.
	if got := len(fast.Events()); got != 2 {
		t.Errorf("fast subscriber buffered %d, want 2 (buffer cap)", got)
	}
}

func TestBroadcast_ConcurrentDetachDoesNotPanic(t *testing.T) {
	// A Detach racing Broadcast must never close a channel out from under an
	// in-flight send; that panic would surface on an unrelated request's
	// goroutine. The 1-slot buffer also exercises the drop-path Detach inside
	// Broadcast against the handler-side Detach.
	h := NewHub(testLogger(), 1)
	defer h.Close()

	e := ev(eventstore.KindError, "c")
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		sub := h.Attach(Filter{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.Broadcast(e)
			}
		}()
		go func() {
			defer wg.Done()
			h.Detach(sub.ID())
		}()
	}
	wg.Wait()
}

func TestDetach_IsIdempotentAndClosesChannel(t *testing.T) {
	h := NewHub(testLogger(), 4)
	defer h.Close()

	sub := h.Attach(Filter{})
	h.Detach(sub.ID())
	h.Detach(sub.ID()) // second call is a no-op

	if _, ok := <-sub.Events(); ok {
		t.Error("channel not closed after Detach")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", h.SubscriberCount())
	}
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	h := NewHub(testLogger(), 4)
	a := h.Attach(Filter{})
	b := h.Attach(Filter{})

	h.Close()

	for _, sub := range []*Subscriber{a, b} {
		if _, ok := <-sub.Events(); ok {
			t.Errorf("subscriber %s channel not closed by hub Close", sub.ID())
		}
	}

	// After close, Broadcast is a no-op and Attach returns a closed channel.
	h.Broadcast(ev(eventstore.KindError, "c"))
	late := h.Attach(Filter{})
	if _, ok := <-late.Events(); ok {
		t.Error("post-close Attach returned an open channel")
	}
}
