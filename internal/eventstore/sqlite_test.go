package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// openTestStore returns a file-backed store in a temp dir. File-backed (not
// :memory:) so that re-opening in migration tests sees the same data.
func openTestStore(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func i64(v int64) *int64 { return &v }
func iptr(v int) *int    { return &v }

func TestAppendAndQuery_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	ev := Event{
		RequestID:         "01J7REQAAAAAAAAAAAAAAAAAAA",
		TraceID:           "01J7TRCAAAAAAAAAAAAAAAAAAA",
		ClientID:          "ci-bot",
		Kind:              KindMCPResponse,
		TargetID:          "time",
		Method:            "tools/list",
		LatencyMs:         i64(12),
		UpstreamLatencyMs: i64(10),
		Decision:          DecisionAllow,
		StatusCode:        iptr(200),
		Metadata:          []byte(`{"queue_wait_ms":2,"upstream_kind":"mcp"}`),
	}

	id, err := s.AppendEvent(ctx, ev)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("assigned event id %q is not a ULID", id)
	}

	got, err := s.Query(ctx, Filter{RequestID: ev.RequestID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}

	g := got[0]
	if g.EventID != id || g.ClientID != "ci-bot" || g.Kind != KindMCPResponse ||
		g.TargetID != "time" || g.Method != "tools/list" || g.Decision != DecisionAllow {
		t.Errorf("round-trip mismatch: %+v", g)
	}
	if g.LatencyMs == nil || *g.LatencyMs != 12 {
		t.Errorf("LatencyMs = %v, want 12", g.LatencyMs)
	}
	if g.UpstreamLatencyMs == nil || *g.UpstreamLatencyMs != 10 {
		t.Errorf("UpstreamLatencyMs = %v, want 10", g.UpstreamLatencyMs)
	}
	if g.StatusCode == nil || *g.StatusCode != 200 {
		t.Errorf("StatusCode = %v, want 200", g.StatusCode)
	}
	if string(g.Metadata) != `{"queue_wait_ms":2,"upstream_kind":"mcp"}` {
		t.Errorf("Metadata = %s", g.Metadata)
	}
	if g.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestAppend_UnknownQuantitiesStayNull(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	// Zero latency and unknown latency are distinct rows.
	if _, err := s.AppendEvent(ctx, Event{
		RequestID: "r-zero", ClientID: "c", Kind: KindMCPResponse, LatencyMs: i64(0),
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := s.AppendEvent(ctx, Event{
		RequestID: "r-unknown", ClientID: "c", Kind: KindError,
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	zero, err := s.Query(ctx, Filter{RequestID: "r-zero"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if zero[0].LatencyMs == nil || *zero[0].LatencyMs != 0 {
		t.Errorf("measured 0ms collapsed to NULL: %+v", zero[0].LatencyMs)
	}

	unknown, err := s.Query(ctx, Filter{RequestID: "r-unknown"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if unknown[0].LatencyMs != nil {
		t.Errorf("unknown latency stored as %d, want NULL", *unknown[0].LatencyMs)
	}
	if unknown[0].StatusCode != nil || unknown[0].TraceID != "" || unknown[0].Decision != "" {
		t.Errorf("optional fields not NULL: %+v", unknown[0])
	}
}

func TestQuery_Filters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		kind := KindMCPRequest
		if i%2 == 1 {
			kind = KindMCPResponse
		}
		target := "time"
		if i >= 5 {
			target = "planner"
		}
		_, err := s.AppendEvent(ctx, Event{
			EventID:   fmt.Sprintf("EV%024d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			RequestID: fmt.Sprintf("req-%d", i),
			ClientID:  "c",
			Kind:      kind,
			TargetID:  target,
		})
		if err != nil {
			t.Fatalf("AppendEvent[%d]: %v", i, err)
		}
	}

	byKind, err := s.Query(ctx, Filter{Kinds: []Kind{KindMCPResponse}})
	if err != nil {
		t.Fatalf("Query by kind: %v", err)
	}
	if len(byKind) != 5 {
		t.Errorf("kind filter: got %d, want 5", len(byKind))
	}

	byTarget, err := s.Query(ctx, Filter{TargetID: "planner"})
	if err != nil {
		t.Fatalf("Query by target: %v", err)
	}
	if len(byTarget) != 5 {
		t.Errorf("target filter: got %d, want 5", len(byTarget))
	}

	windowed, err := s.Query(ctx, Filter{
		From: base.Add(2 * time.Second),
		To:   base.Add(5 * time.Second),
	})
	if err != nil {
		t.Fatalf("Query by window: %v", err)
	}
	if len(windowed) != 3 {
		t.Errorf("time window: got %d, want 3 (inclusive from, exclusive to)", len(windowed))
	}

	limited, err := s.Query(ctx, Filter{Limit: 4})
	if err != nil {
		t.Fatalf("Query with limit: %v", err)
	}
	if len(limited) != 4 {
		t.Errorf("limit: got %d, want 4", len(limited))
	}

	// Append order is preserved for queries ordered by ts.
	all, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("results not in timestamp order at %d", i)
		}
	}
}

func TestQuery_OrdersSubMillisecondTimestamps(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	// .1 and .1005 of the same second: a variable-width fraction would make
	// the earlier timestamp sort after the later one as text.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	earlier := base.Add(100 * time.Millisecond)
	later := earlier.Add(500 * time.Microsecond)

	for _, e := range []struct {
		id string
		ts time.Time
	}{
		{"EVB", later},
		{"EVA", earlier},
	} {
		if _, err := s.AppendEvent(ctx, Event{
			EventID: e.id, Timestamp: e.ts, RequestID: "sub-ms", ClientID: "c", Kind: KindError,
		}); err != nil {
			t.Fatalf("AppendEvent(%s): %v", e.id, err)
		}
	}

	got, err := s.Query(ctx, Filter{RequestID: "sub-ms"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].EventID != "EVA" || got[1].EventID != "EVB" {
		t.Errorf("order = [%s %s], want [EVA EVB]", got[0].EventID, got[1].EventID)
	}
	if !got[0].Timestamp.Equal(earlier) || !got[1].Timestamp.Equal(later) {
		t.Errorf("timestamps lost precision: %v / %v", got[0].Timestamp, got[1].Timestamp)
	}

	// The range filter compares the same text encoding.
	fromLater, err := s.Query(ctx, Filter{RequestID: "sub-ms", From: later})
	if err != nil {
		t.Fatalf("Query from later: %v", err)
	}
	if len(fromLater) != 1 || fromLater[0].EventID != "EVB" {
		t.Errorf("from-filter returned %d events (want only EVB): %+v", len(fromLater), fromLater)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	d, err := s.Diagnose()
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", d.Version, SchemaVersion)
	}
	if len(d.MissingTables) != 0 || len(d.MissingColumns) != 0 {
		t.Errorf("fresh store reports missing schema: %+v", d)
	}
	if !d.Readable {
		t.Error("fresh store not readable")
	}

	// Re-open the same file: migrations run again and must be no-ops.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer s2.Close()
}

func TestRepair_BringsOldFileForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// Simulate a file written by a v1-era binary: base table only.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if err := migrateV1BaseTable(raw); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}
	if _, err := raw.Exec(`PRAGMA user_version = 1`); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if _, err := raw.Exec(`
		INSERT INTO gateway_events (event_id, ts, request_id, client_id, event_kind)
		VALUES ('EV1', '2026-08-01T00:00:00Z', 'r1', 'c1', 'gateway_error')`); err != nil {
		t.Fatalf("seed old row: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	// Opening runs Migrate, which brings the file forward; drop back to a
	// bare handle to exercise Repair in isolation instead.
	s := &SQLite{}
	s.db, err = sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	d, err := s.Diagnose()
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if len(d.MissingColumns) == 0 {
		t.Fatal("expected missing columns on v1 file")
	}

	if err := s.Repair(); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	d, err = s.Diagnose()
	if err != nil {
		t.Fatalf("Diagnose after repair: %v", err)
	}
	if len(d.MissingTables) != 0 || len(d.MissingColumns) != 0 {
		t.Errorf("repair left schema incomplete: %+v", d)
	}
	if d.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", d.Version, SchemaVersion)
	}

	// The pre-existing row survived the repair.
	got, err := s.Query(context.Background(), Filter{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "EV1" {
		t.Errorf("old row lost by repair: %+v", got)
	}
}

func TestClose_SubsequentCallsFail(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.AppendEvent(context.Background(), Event{
		RequestID: "r", ClientID: "c", Kind: KindError,
	}); err != ErrClosed {
		t.Errorf("AppendEvent after close: %v, want ErrClosed", err)
	}
	if _, err := s.Query(context.Background(), Filter{}); err != ErrClosed {
		t.Errorf("Query after close: %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
