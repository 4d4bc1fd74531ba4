package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Postgres is the shared-database event store backend for deployments that
// aggregate several gateways into one audit database.
//
// Appends are batched: AppendEvent accumulates rows in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first. Queries are executed
// immediately against the pool.
type Postgres struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Event
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// pgSchema mirrors the SQLite schema. ts stays TEXT (ISO-8601 UTC) so the
// logical record layout is identical across backends.
const pgSchema = `
CREATE TABLE IF NOT EXISTS gateway_events (
    event_id            TEXT PRIMARY KEY,
    ts                  TEXT NOT NULL,
    request_id          TEXT NOT NULL,
    trace_id            TEXT,
    client_id           TEXT NOT NULL,
    event_kind          TEXT NOT NULL,
    target_id           TEXT,
    method              TEXT,
    latency_ms          BIGINT,
    upstream_latency_ms BIGINT,
    decision            TEXT,
    deny_reason         TEXT,
    error               TEXT,
    status_code         INTEGER,
    metadata_json       TEXT
);
CREATE INDEX IF NOT EXISTS idx_gateway_events_request ON gateway_events (request_id);
CREATE INDEX IF NOT EXISTS idx_gateway_events_client_ts ON gateway_events (client_id, ts);
CREATE INDEX IF NOT EXISTS idx_gateway_events_kind_ts ON gateway_events (event_kind, ts);
CREATE INDEX IF NOT EXISTS idx_gateway_events_target_ts ON gateway_events (target_id, ts);
`

// OpenPostgres opens a pgxpool connection to connStr, pings the database,
// applies the idempotent schema, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("eventstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		batch:         make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Flush(context.Background())
		}
	}
}

// AppendEvent implements Store. The event is buffered; if the buffer reaches
// batchSize, Flush runs synchronously so the caller observes back-pressure
// rather than unbounded memory growth.
func (p *Postgres) AppendEvent(ctx context.Context, ev Event) (string, error) {
	ev = normalize(ev)

	p.mu.Lock()
	p.batch = append(p.batch, ev)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		if err := p.Flush(ctx); err != nil {
			return "", err
		}
	}
	return ev.EventID, nil
}

// Flush drains the current buffer and sends all rows in a single pgx.Batch
// round-trip. Rows that conflict on the primary key are silently ignored
// (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	toInsert := p.batch
	p.batch = make([]Event, 0, p.batchSize)
	p.mu.Unlock()

	const query = `
		INSERT INTO gateway_events
			(event_id, ts, request_id, trace_id, client_id, event_kind,
			 target_id, method, latency_ms, upstream_latency_ms,
			 decision, deny_reason, error, status_code, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		ev := &toInsert[i]
		b.Queue(query,
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
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()
	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("eventstore: batch insert: %w", err)
		}
	}
	return nil
}

// Query implements Store. Buffered rows are flushed first so a query issued
// immediately after an append observes the event.
func (p *Postgres) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}

	where, args := buildWhere(f, pgPlaceholders)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT event_id, ts, request_id, trace_id, client_id, event_kind,
	             target_id, method, latency_ms, upstream_latency_ms,
	             decision, deny_reason, error, status_code, metadata_json
	      FROM gateway_events%s ORDER BY ts, event_id LIMIT $%d`, where, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
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

// Close stops the flush goroutine, flushes remaining buffered events, and
// closes the pool. Safe to call more than once.
func (p *Postgres) Close() error {
	select {
	case <-p.stopCh:
		// already closed
	default:
		close(p.stopCh)
		<-p.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = p.Flush(context.Background())
	}
	p.pool.Close()
	return nil
}

func pgPlaceholders(i int) string { return fmt.Sprintf("$%d", i) }
