//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/eventstore/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tollgate/gateway/internal/eventstore"
)

// setupDB starts a PostgreSQL container and returns an open Postgres store
// with a short flush interval so tests do not have to wait for the ticker.
func setupDB(t *testing.T) *eventstore.Postgres {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("tollgate_test"),
		tcpostgres.WithUsername("tollgate"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := eventstore.OpenPostgres(ctx, connStr, 10, 20*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("OpenPostgres: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
		_ = pgContainer.Terminate(ctx)
	})
	return store
}

func TestPostgres_AppendFlushQuery(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	lat := int64(7)
	status := 200
	id, err := store.AppendEvent(ctx, eventstore.Event{
		RequestID:  "req-1",
		ClientID:   "ci-bot",
		Kind:       eventstore.KindA2AResponse,
		TargetID:   "planner",
		Method:     "plan/execute",
		LatencyMs:  &lat,
		Decision:   eventstore.DecisionAllow,
		StatusCode: &status,
		Metadata:   []byte(`{"upstream_kind":"a2a"}`),
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	// Query flushes the batch before reading.
	got, err := store.Query(ctx, eventstore.Filter{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	g := got[0]
	if g.EventID != id || g.Kind != eventstore.KindA2AResponse || g.TargetID != "planner" {
		t.Errorf("round-trip mismatch: %+v", g)
	}
	if g.LatencyMs == nil || *g.LatencyMs != 7 {
		t.Errorf("LatencyMs = %v, want 7", g.LatencyMs)
	}
	if g.UpstreamLatencyMs != nil {
		t.Errorf("UpstreamLatencyMs = %v, want NULL", g.UpstreamLatencyMs)
	}
}

func TestPostgres_BatchFullTriggersFlush(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	// batchSize is 10; the 10th append flushes synchronously.
	for i := 0; i < 10; i++ {
		if _, err := store.AppendEvent(ctx, eventstore.Event{
			RequestID: "burst",
			ClientID:  "c",
			Kind:      eventstore.KindMCPRequest,
			TargetID:  "time",
		}); err != nil {
			t.Fatalf("AppendEvent[%d]: %v", i, err)
		}
	}

	got, err := store.Query(ctx, eventstore.Filter{RequestID: "burst"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("got %d events, want 10", len(got))
	}
}

func TestPostgres_DuplicateEventIDIgnored(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	ev := eventstore.Event{
		EventID:   "01J7DUPAAAAAAAAAAAAAAAAAAA",
		RequestID: "dup",
		ClientID:  "c",
		Kind:      eventstore.KindError,
	}
	for i := 0; i < 2; i++ {
		if _, err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent[%d]: %v", i, err)
		}
	}

	got, err := store.Query(ctx, eventstore.Filter{RequestID: "dup"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events, want 1 (conflict ignored)", len(got))
	}
}
