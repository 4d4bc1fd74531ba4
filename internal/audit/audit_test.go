package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tollgate/gateway/internal/eventstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore records appended events and can be told to fail.
type fakeStore struct {
	mu     sync.Mutex
	events []eventstore.Event
	fail   error
	seq    int
}

func (f *fakeStore) AppendEvent(_ context.Context, ev eventstore.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.seq++
	ev.EventID = fmt.Sprintf("EV%03d", f.seq)
	f.events = append(f.events, ev)
	return ev.EventID, nil
}

func (f *fakeStore) Query(context.Context, eventstore.Filter) ([]eventstore.Event, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) last(t *testing.T) eventstore.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("no events appended")
	}
	return f.events[len(f.events)-1]
}

// fakeBroadcaster collects broadcast events in order.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (f *fakeBroadcaster) Broadcast(ev eventstore.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func TestAuthSuccess_RecordsAllowDecision(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, testLogger())

	l.AuthSuccess(context.Background(), "req-1", "trace-1", "alice")

	ev := store.last(t)
	if ev.Kind != eventstore.KindAuthSuccess {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.Decision != eventstore.DecisionAllow {
		t.Errorf("decision = %q, want allow", ev.Decision)
	}
	if ev.ClientID != "alice" || ev.RequestID != "req-1" || ev.TraceID != "trace-1" {
		t.Errorf("identity fields wrong: %+v", ev)
	}
}

func TestAuthFailure_AnonymousWhenNoIdentity(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, testLogger())

	l.AuthFailure(context.Background(), "req-1", "", "", "missing_credential")

	ev := store.last(t)
	if ev.ClientID != "anonymous" {
		t.Errorf("client_id = %q, want anonymous", ev.ClientID)
	}
	if ev.Decision != eventstore.DecisionDeny || ev.DenyReason != "missing_credential" {
		t.Errorf("decision/reason = %q/%q", ev.Decision, ev.DenyReason)
	}
}

func TestAuthFailure_KeepsVerifiedIdentity(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, testLogger())

	l.AuthFailure(context.Background(), "req-1", "", "bob", "forbidden:events:read")

	if got := store.last(t).ClientID; got != "bob" {
		t.Errorf("client_id = %q, want bob", got)
	}
}

func TestResponse_DecisionFollowsStatusCode(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, testLogger())
	lat := int64(12)

	l.Response(context.Background(), eventstore.KindMCPResponse,
		"req-1", "", "alice", "calc", "tools/call", 200, &lat, nil, nil)
	if got := store.last(t).Decision; got != eventstore.DecisionAllow {
		t.Errorf("2xx decision = %q, want allow", got)
	}

	l.Response(context.Background(), eventstore.KindA2AResponse,
		"req-2", "", "alice", "calc", "tools/call", 502, &lat, nil, nil)
	if got := store.last(t).Decision; got != "" {
		t.Errorf("5xx decision = %q, want unset", got)
	}
}

func TestResponse_PreservesZeroVersusUnknownLatency(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, testLogger())
	zero := int64(0)

	l.Response(context.Background(), eventstore.KindMCPResponse,
		"req-1", "", "alice", "calc", "m", 200, &zero, nil, nil)

	ev := store.last(t)
	if ev.LatencyMs == nil || *ev.LatencyMs != 0 {
		t.Errorf("measured zero latency lost: %v", ev.LatencyMs)
	}
	if ev.UpstreamLatencyMs != nil {
		t.Errorf("unknown upstream latency recorded as %d", *ev.UpstreamLatencyMs)
	}
}

func TestEmit_BroadcastsAfterAppendWithStoredID(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	l := New(store, bc, testLogger())

	l.AuthSuccess(context.Background(), "req-1", "", "alice")
	l.Error(context.Background(), "req-2", "", "alice", "calc", "m", "boom", 502, nil, nil)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.events) != 2 {
		t.Fatalf("broadcast %d events, want 2", len(bc.events))
	}
	if bc.events[0].EventID != "EV001" || bc.events[1].EventID != "EV002" {
		t.Errorf("broadcast ids/order wrong: %s, %s", bc.events[0].EventID, bc.events[1].EventID)
	}
}

func TestEmit_AppendFailureCountedNotBroadcast(t *testing.T) {
	store := &fakeStore{fail: errors.New("disk full")}
	bc := &fakeBroadcaster{}
	l := New(store, bc, testLogger())

	l.AuthSuccess(context.Background(), "req-1", "", "alice")
	l.AuthSuccess(context.Background(), "req-2", "", "alice")

	if got := l.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.events) != 0 {
		t.Errorf("failed appends must not be broadcast, got %d", len(bc.events))
	}
}
