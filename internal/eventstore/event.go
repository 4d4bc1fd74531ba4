// Package eventstore provides append-only persistence for gateway audit
// events. Two backends implement the Store interface: an embedded WAL-mode
// SQLite database (the default, one file per store) and a shared PostgreSQL
// database with a batched append path for deployments that aggregate several
// gateways.
//
// The logical schema is stable and binary-compatible across backends:
//
//	gateway_events(event_id, ts, request_id, trace_id, client_id, event_kind,
//	               target_id, method, latency_ms, upstream_latency_ms,
//	               decision, deny_reason, error, status_code, metadata_json)
//
// Unknown numeric quantities are stored as SQL NULL, never as zero: a
// measured 0 ms latency and "latency unknown" must not collide.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the audit event taxonomy entry an Event belongs to.
type Kind string

// The seven gateway event kinds.
const (
	KindAuthSuccess Kind = "gateway_auth_success"
	KindAuthFailure Kind = "gateway_auth_failure"
	KindMCPRequest  Kind = "gateway_mcp_request"
	KindMCPResponse Kind = "gateway_mcp_response"
	KindA2ARequest  Kind = "gateway_a2a_request"
	KindA2AResponse Kind = "gateway_a2a_response"
	KindError       Kind = "gateway_error"
)

// Decision values recorded on auth and response events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("eventstore: closed")

// tsFormat is the stored timestamp layout: RFC 3339 UTC with a fixed-width
// nanosecond fraction. Variable-width fractions ("…00.1Z" vs "…00.1005Z")
// do not sort lexicographically, and ts is a TEXT column ordered and range-
// filtered as a string.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one audit record. String fields with an empty value and nil
// pointer fields are persisted as SQL NULL.
type Event struct {
	// EventID is the primary key. AppendEvent assigns a fresh ULID when the
	// caller leaves it empty.
	EventID string `json:"event_id"`

	// Timestamp is when the event occurred; stored as ISO-8601 UTC.
	// AppendEvent fills in the current time when zero.
	Timestamp time.Time `json:"ts"`

	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id,omitempty"`
	ClientID  string `json:"client_id"`
	Kind      Kind   `json:"event_kind"`
	TargetID  string `json:"target_id,omitempty"`
	Method    string `json:"method,omitempty"`

	// LatencyMs is the end-to-end gateway latency. nil means unknown.
	LatencyMs *int64 `json:"latency_ms,omitempty"`

	// UpstreamLatencyMs is the latency reported by the upstream invoker.
	// nil means unknown.
	UpstreamLatencyMs *int64 `json:"upstream_latency_ms,omitempty"`

	// Decision is "allow", "deny", or empty (not applicable).
	Decision   string `json:"decision,omitempty"`
	DenyReason string `json:"deny_reason,omitempty"`

	Error      string `json:"error,omitempty"`
	StatusCode *int   `json:"status_code,omitempty"`

	// Metadata is an opaque JSON object carried verbatim.
	Metadata json.RawMessage `json:"metadata_json,omitempty"`
}

// Filter selects events for Query. Zero-valued fields are not applied.
type Filter struct {
	// RequestID restricts to events of one request.
	RequestID string

	// ClientID restricts to events of one caller.
	ClientID string

	// TargetID restricts to events addressed to one target.
	TargetID string

	// Kinds restricts to the listed event kinds.
	Kinds []Kind

	// From/To bracket the event timestamp (inclusive from, exclusive to).
	From time.Time
	To   time.Time

	// Limit caps the number of returned rows; <= 0 means DefaultQueryLimit.
	Limit int
}

// DefaultQueryLimit bounds Query results when the caller sets no limit.
const DefaultQueryLimit = 1000

// Store is the persistence interface consumed by the audit logger and the
// query handlers. Implementations serialise writes internally; reads may be
// concurrent.
type Store interface {
	// AppendEvent atomically persists ev and returns its event id. A nil
	// error implies the row is durable under the backend's commit discipline.
	AppendEvent(ctx context.Context, ev Event) (string, error)

	// Query returns events matching f in ascending timestamp order
	// (event id order within equal timestamps).
	Query(ctx context.Context, f Filter) ([]Event, error)

	// Close releases backend resources after outstanding appends return.
	Close() error
}
