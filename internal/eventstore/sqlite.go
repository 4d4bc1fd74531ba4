package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tollgate/gateway/internal/requestid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite is the embedded WAL-mode event store backend. It is safe for
// concurrent use; writes serialise through a single connection.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies all pending migrations. If path is ":memory:",
// an in-memory database is used; this is suitable for tests but loses all
// data when closed.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// append concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: set synchronous = NORMAL: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// AppendEvent implements Store. The insert is a single atomic row write;
// the returned event id is ev.EventID or a freshly minted ULID.
func (s *SQLite) AppendEvent(ctx context.Context, ev Event) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	ev = normalize(ev)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_events
			(event_id, ts, request_id, trace_id, client_id, event_kind,
			 target_id, method, latency_ms, upstream_latency_ms,
			 decision, deny_reason, error, status_code, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID,
		ev.Timestamp.UTC().Format(tsFormat),
		ev.RequestID,
		nullString(ev.TraceID),
		ev.ClientID,
		string(ev.Kind),
		nullString(ev.TargetID),
		nullString(ev.Method),
		nullInt64(ev.LatencyMs),
		nullInt64(ev.UpstreamLatencyMs),
		nullString(ev.Decision),
		nullString(ev.DenyReason),
		nullString(ev.Error),
		nullInt(ev.StatusCode),
		nullString(string(ev.Metadata)),
	)
	if err != nil {
		return "", fmt.Errorf("eventstore: append: %w", err)
	}
	return ev.EventID, nil
}

// Query implements Store.
func (s *SQLite) Query(ctx context.Context, f Filter) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	where, args := buildWhere(f, sqlitePlaceholders)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	args = append(args, limit)

	q := `SELECT event_id, ts, request_id, trace_id, client_id, event_kind,
	             target_id, method, latency_ms, upstream_latency_ms,
	             decision, deny_reason, error, status_code, metadata_json
	      FROM gateway_events` + where + ` ORDER BY ts, event_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: rows: %w", err)
	}
	return events, nil
}

// Close implements Store. The database/sql pool waits for in-flight
// statements before closing the connection.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// ── shared row helpers ───────────────────────────────────────────────────────

// normalize assigns the event id and timestamp when the caller left them
// empty.
func normalize(ev Event) Event {
	if ev.EventID == "" {
		ev.EventID = requestid.Mint()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// rowScanner is satisfied by *sql.Rows and pgx.Rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one gateway_events row in canonical column order.
func scanEvent(r rowScanner) (Event, error) {
	var (
		ev       Event
		tsStr    string
		traceID  sql.NullString
		targetID sql.NullString
		method   sql.NullString
		latency  sql.NullInt64
		upstream sql.NullInt64
		decision sql.NullString
		denyRsn  sql.NullString
		errMsg   sql.NullString
		status   sql.NullInt64
		metadata sql.NullString
	)
	if err := r.Scan(
		&ev.EventID, &tsStr, &ev.RequestID, &traceID, &ev.ClientID, (*string)(&ev.Kind),
		&targetID, &method, &latency, &upstream,
		&decision, &denyRsn, &errMsg, &status, &metadata,
	); err != nil {
		return Event{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339, tsStr)
	}
	ev.Timestamp = ts

	ev.TraceID = traceID.String
	ev.TargetID = targetID.String
	ev.Method = method.String
	ev.Decision = decision.String
	ev.DenyReason = denyRsn.String
	ev.Error = errMsg.String
	if latency.Valid {
		v := latency.Int64
		ev.LatencyMs = &v
	}
	if upstream.Valid {
		v := upstream.Int64
		ev.UpstreamLatencyMs = &v
	}
	if status.Valid {
		v := int(status.Int64)
		ev.StatusCode = &v
	}
	if metadata.Valid && metadata.String != "" {
		ev.Metadata = []byte(metadata.String)
	}
	return ev, nil
}

// placeholderFunc renders the i-th (1-based) SQL placeholder for a backend.
type placeholderFunc func(i int) string

func sqlitePlaceholders(int) string { return "?" }

// buildWhere renders the WHERE clause for f. The returned args align with the
// produced placeholders; the Limit placeholder is appended by the caller.
func buildWhere(f Filter, ph placeholderFunc) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}

	if f.RequestID != "" {
		add("request_id = %s", f.RequestID)
	}
	if f.ClientID != "" {
		add("client_id = %s", f.ClientID)
	}
	if f.TargetID != "" {
		add("target_id = %s", f.TargetID)
	}
	if len(f.Kinds) > 0 {
		phs := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			args = append(args, string(k))
			phs[i] = ph(len(args))
		}
		conds = append(conds, "event_kind IN ("+strings.Join(phs, ", ")+")")
	}
	if !f.From.IsZero() {
		add("ts >= %s", f.From.UTC().Format(tsFormat))
	}
	if !f.To.IsZero() {
		add("ts < %s", f.To.UTC().Format(tsFormat))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
