// Package audit provides the typed façade over the event store for the
// gateway event taxonomy. Every audit-worthy step of a request's lifecycle
// maps to exactly one method here; the façade normalises nullability,
// derives the authorisation decision for response events, and hands each
// persisted event to the live-stream broadcaster in append order.
//
// Append failures never fail the data path: the gateway's HTTP response does
// not depend on a successful audit write. Failed appends are logged and
// counted; the count is exposed through the health endpoint.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/tollgate/gateway/internal/eventstore"
)

// Broadcaster receives every successfully persisted event, in append order.
type Broadcaster interface {
	Broadcast(eventstore.Event)
}

// Logger records gateway audit events. It is safe for concurrent use.
type Logger struct {
	store   eventstore.Store
	bc      Broadcaster
	log     *slog.Logger
	dropped atomic.Int64
}

// New creates a Logger writing to store and fanning out via bc. bc may be
// nil (no live stream), which is useful in tests.
func New(store eventstore.Store, bc Broadcaster, log *slog.Logger) *Logger {
	return &Logger{store: store, bc: bc, log: log}
}

// Dropped returns the number of events lost to storage failures since start.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// AuthSuccess records a successful authentication for requestID.
func (l *Logger) AuthSuccess(ctx context.Context, requestID, traceID, clientID string) {
	l.emit(ctx, eventstore.Event{
		RequestID: requestID,
		TraceID:   traceID,
		ClientID:  clientID,
		Kind:      eventstore.KindAuthSuccess,
		Decision:  eventstore.DecisionAllow,
	})
}

// AuthFailure records a denied authentication or authorisation attempt.
// clientID is "anonymous" unless a verified identity was established before
// the denial (e.g. a permission check on an authenticated caller).
func (l *Logger) AuthFailure(ctx context.Context, requestID, traceID, clientID, denyReason string) {
	if clientID == "" {
		clientID = "anonymous"
	}
	l.emit(ctx, eventstore.Event{
		RequestID:  requestID,
		TraceID:    traceID,
		ClientID:   clientID,
		Kind:       eventstore.KindAuthFailure,
		Decision:   eventstore.DecisionDeny,
		DenyReason: denyReason,
	})
}

// Request records the admission of an upstream-bound request. kind must be
// KindMCPRequest or KindA2ARequest.
func (l *Logger) Request(ctx context.Context, kind eventstore.Kind, requestID, traceID, clientID, targetID, method string) {
	l.emit(ctx, eventstore.Event{
		RequestID: requestID,
		TraceID:   traceID,
		ClientID:  clientID,
		Kind:      kind,
		TargetID:  targetID,
		Method:    method,
	})
}

// Response records the terminal success event for a request. kind must be
// KindMCPResponse or KindA2AResponse. latencyMs and upstreamLatencyMs are
// nil when unknown; a measured zero is recorded as zero, not NULL. When
// statusCode < 400 the decision is recorded as "allow"; otherwise the
// decision stays unset (the authorisation outcome lives on the auth events).
func (l *Logger) Response(ctx context.Context, kind eventstore.Kind, requestID, traceID, clientID, targetID, method string,
	statusCode int, latencyMs, upstreamLatencyMs *int64, metadata json.RawMessage) {

	ev := eventstore.Event{
		RequestID:         requestID,
		TraceID:           traceID,
		ClientID:          clientID,
		Kind:              kind,
		TargetID:          targetID,
		Method:            method,
		LatencyMs:         latencyMs,
		UpstreamLatencyMs: upstreamLatencyMs,
		StatusCode:        &statusCode,
		Metadata:          metadata,
	}
	if statusCode < 400 {
		ev.Decision = eventstore.DecisionAllow
	}
	l.emit(ctx, ev)
}

// Error records the terminal failure event for a request.
func (l *Logger) Error(ctx context.Context, requestID, traceID, clientID, targetID, method, errMsg string,
	statusCode int, latencyMs *int64, metadata json.RawMessage) {

	l.emit(ctx, eventstore.Event{
		RequestID:  requestID,
		TraceID:    traceID,
		ClientID:   clientID,
		Kind:       eventstore.KindError,
		TargetID:   targetID,
		Method:     method,
		Error:      errMsg,
		StatusCode: &statusCode,
		LatencyMs:  latencyMs,
		Metadata:   metadata,
	})
}

// emit persists ev and, on success, broadcasts it. Store order and broadcast
// order are identical because both happen synchronously on the caller's
// goroutine.
func (l *Logger) emit(ctx context.Context, ev eventstore.Event) {
	stored, err := l.store.AppendEvent(ctx, ev)
	if err != nil {
		l.dropped.Add(1)
		l.log.Error("audit: append failed, event dropped",
			slog.String("event_kind", string(ev.Kind)),
			slog.String("request_id", ev.RequestID),
			slog.Any("error", err),
		)
		return
	}
	ev.EventID = stored
	if l.bc != nil {
		l.bc.Broadcast(ev)
	}
}
