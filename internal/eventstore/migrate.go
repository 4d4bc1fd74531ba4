package eventstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// migration is one schema step. Versions are contiguous and ascending; the
// current version is recorded in PRAGMA user_version. Every statement is
// idempotent (IF NOT EXISTS / additive ALTER guarded by a column probe) so a
// partially applied migration can be re-run safely. Downgrades are not
// supported.
type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrations is the ordered schema history. Never edit a shipped entry;
// append a new one.
var migrations = []migration{
	{1, migrateV1BaseTable},
	{2, migrateV2AuthColumns},
	{3, migrateV3ResponseColumns},
}

// SchemaVersion is the version an up-to-date store reports.
const SchemaVersion = 3

func migrateV1BaseTable(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS gateway_events (
    event_id    TEXT PRIMARY KEY,
    ts          TEXT NOT NULL,
    request_id  TEXT NOT NULL,
    trace_id    TEXT,
    client_id   TEXT NOT NULL,
    event_kind  TEXT NOT NULL,
    target_id   TEXT,
    method      TEXT,
    latency_ms  INTEGER,
    error       TEXT,
    status_code INTEGER
);
CREATE INDEX IF NOT EXISTS idx_gateway_events_request
    ON gateway_events (request_id);
`)
	return err
}

func migrateV2AuthColumns(db *sql.DB) error {
	if err := addColumnIfMissing(db, "decision", "TEXT"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "deny_reason", "TEXT"); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_gateway_events_client_ts
    ON gateway_events (client_id, ts);
`)
	return err
}

func migrateV3ResponseColumns(db *sql.DB) error {
	if err := addColumnIfMissing(db, "upstream_latency_ms", "INTEGER"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "metadata_json", "TEXT"); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_gateway_events_kind_ts
    ON gateway_events (event_kind, ts);
CREATE INDEX IF NOT EXISTS idx_gateway_events_target_ts
    ON gateway_events (target_id, ts);
`)
	return err
}

// allColumns maps every column of the current schema to its type, used by
// Diagnose and Repair.
var allColumns = map[string]string{
	"event_id":            "TEXT",
	"ts":                  "TEXT",
	"request_id":          "TEXT",
	"trace_id":            "TEXT",
	"client_id":           "TEXT",
	"event_kind":          "TEXT",
	"target_id":           "TEXT",
	"method":              "TEXT",
	"latency_ms":          "INTEGER",
	"upstream_latency_ms": "INTEGER",
	"decision":            "TEXT",
	"deny_reason":         "TEXT",
	"error":               "TEXT",
	"status_code":         "INTEGER",
	"metadata_json":       "TEXT",
}

// Migrate advances the schema from the recorded user_version through every
// pending migration, updating user_version after each step. It is called by
// OpenSQLite and is safe to call again at any time.
func (s *SQLite) Migrate() error {
	current, err := s.userVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(s.db); err != nil {
			return fmt.Errorf("eventstore: migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			return fmt.Errorf("eventstore: record version %d: %w", m.version, err)
		}
	}
	return nil
}

// Diagnosis is the result of a read-only schema inspection.
type Diagnosis struct {
	// Version is the recorded schema version (PRAGMA user_version).
	Version int `json:"version"`

	// Readable reports whether the events table answers a trivial SELECT.
	Readable bool `json:"readable"`

	// MissingTables lists expected tables that do not exist.
	MissingTables []string `json:"missing_tables,omitempty"`

	// MissingColumns lists expected columns absent from gateway_events.
	MissingColumns []string `json:"missing_columns,omitempty"`
}

// Diagnose inspects the store without modifying it. External repair tooling
// uses it to decide whether Repair is needed on a file written by an older
// binary.
func (s *SQLite) Diagnose() (Diagnosis, error) {
	d := Diagnosis{}

	var err error
	if d.Version, err = s.userVersion(); err != nil {
		return d, err
	}

	exists, err := s.tableExists("gateway_events")
	if err != nil {
		return d, err
	}
	if !exists {
		d.MissingTables = append(d.MissingTables, "gateway_events")
		for col := range allColumns {
			d.MissingColumns = append(d.MissingColumns, col)
		}
		return d, nil
	}

	present, err := s.tableColumns("gateway_events")
	if err != nil {
		return d, err
	}
	for col := range allColumns {
		if !present[col] {
			d.MissingColumns = append(d.MissingColumns, col)
		}
	}

	var count int
	d.Readable = s.db.QueryRow(`SELECT COUNT(*) FROM gateway_events`).Scan(&count) == nil
	return d, nil
}

// Repair creates missing tables and adds missing columns, then records the
// current schema version. It never drops or rewrites existing data: the store
// file may outlive the binary, and operators must be able to bring an old
// file forward in place.
func (s *SQLite) Repair() error {
	exists, err := s.tableExists("gateway_events")
	if err != nil {
		return err
	}
	if !exists {
		if err := migrateV1BaseTable(s.db); err != nil {
			return fmt.Errorf("eventstore: repair base table: %w", err)
		}
	}

	present, err := s.tableColumns("gateway_events")
	if err != nil {
		return err
	}
	for col, typ := range allColumns {
		if present[col] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf(
			`ALTER TABLE gateway_events ADD COLUMN %s %s`, col, typ)); err != nil {
			return fmt.Errorf("eventstore: repair column %s: %w", col, err)
		}
	}

	// Indexes and the version marker are idempotent; reuse the migrations.
	if err := migrateV2AuthColumns(s.db); err != nil {
		return fmt.Errorf("eventstore: repair indexes: %w", err)
	}
	if err := migrateV3ResponseColumns(s.db); err != nil {
		return fmt.Errorf("eventstore: repair indexes: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		return fmt.Errorf("eventstore: record version: %w", err)
	}
	return nil
}

func (s *SQLite) userVersion() (int, error) {
	var v int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("eventstore: read user_version: %w", err)
	}
	return v, nil
}

func (s *SQLite) tableExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("eventstore: inspect sqlite_master: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) tableColumns(name string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, name))
	if err != nil {
		return nil, fmt.Errorf("eventstore: table_info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("eventstore: scan table_info: %w", err)
		}
		cols[strings.ToLower(colName)] = true
	}
	return cols, rows.Err()
}

// addColumnIfMissing performs an additive ALTER only when the column is
// absent, keeping migrations idempotent.
func addColumnIfMissing(db *sql.DB, col, typ string) error {
	rows, err := db.Query(`PRAGMA table_info(gateway_events)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, col) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE gateway_events ADD COLUMN %s %s`, col, typ))
	return err
}
