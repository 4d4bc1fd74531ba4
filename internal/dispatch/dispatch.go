// Package dispatch turns an authenticated HTTP request into a queued
// upstream invocation and maps the queue outcome back onto HTTP. It owns
// JSON-RPC envelope validation, the outcome-to-status table, and the audit
// record for every terminal state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate/gateway/internal/audit"
	"github.com/tollgate/gateway/internal/auth"
	"github.com/tollgate/gateway/internal/config"
	"github.com/tollgate/gateway/internal/eventstore"
	"github.com/tollgate/gateway/internal/httperr"
	"github.com/tollgate/gateway/internal/queue"
	"github.com/tollgate/gateway/internal/requestid"
)

// UpstreamInvoker performs one JSON-RPC exchange with a target. body is the
// validated inbound envelope; the returned result carries the raw upstream
// response. Implementations must honour ctx cancellation.
type UpstreamInvoker interface {
	Invoke(ctx context.Context, target config.Target, body []byte) (queue.Result, error)
}

// Dispatcher routes /mcp/{target} and /a2a/{target} bodies through the
// per-target queues.
type Dispatcher struct {
	cfg      *config.Config
	queues   *queue.Manager
	auditor  *audit.Logger
	invokers map[config.TargetKind]UpstreamInvoker
	logger   *slog.Logger
}

// New creates a Dispatcher. invokers must cover every target kind present in
// cfg.Targets.
func New(cfg *config.Config, queues *queue.Manager, auditor *audit.Logger,
	invokers map[config.TargetKind]UpstreamInvoker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queues:   queues,
		auditor:  auditor,
		invokers: invokers,
		logger:   logger,
	}
}

// statusClientClosedRequest is the nginx-convention status for a caller that
// abandoned the request before it completed. net/http has no constant for it.
const statusClientClosedRequest = 499

// envelope is the subset of a JSON-RPC 2.0 request the gateway validates.
// Params and ID pass through untouched.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Handler returns the http.HandlerFunc serving one protocol's route. kind
// selects the upstream invoker and the audit event kinds.
func (d *Dispatcher) Handler(kind config.TargetKind) http.HandlerFunc {
	reqKind, respKind := eventstore.KindMCPRequest, eventstore.KindMCPResponse
	if kind == config.KindA2A {
		reqKind, respKind = eventstore.KindA2ARequest, eventstore.KindA2AResponse
	}

	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := time.Now()
		ctx := r.Context()
		reqID := requestid.FromContext(ctx)
		traceID := requestid.TraceFromContext(ctx)
		clientID := clientFromContext(ctx)
		targetID := chi.URLParam(r, "target")

		target, ok := d.cfg.FindTarget(targetID)
		if !ok || target.Kind != kind {
			d.auditor.Error(ctx, reqID, traceID, clientID, targetID, "",
				"unknown_target", http.StatusNotFound, nil, nil)
			httperr.Write(w, http.StatusNotFound, httperr.CodeNotFound,
				fmt.Sprintf("unknown target %q", targetID))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				d.auditor.Error(ctx, reqID, traceID, clientID, targetID, "",
					"payload_too_large", http.StatusRequestEntityTooLarge, nil, nil)
				httperr.Write(w, http.StatusRequestEntityTooLarge, httperr.CodePayloadTooLarge,
					fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
				return
			}
			d.auditor.Error(ctx, reqID, traceID, clientID, targetID, "",
				"body_read_failed", http.StatusBadRequest, nil, nil)
			httperr.Write(w, http.StatusBadRequest, httperr.CodeBadRequest, "unreadable request body")
			return
		}

		var env envelope
		if reason := validate(body, &env); reason != "" {
			d.auditor.Error(ctx, reqID, traceID, clientID, targetID, env.Method,
				reason, http.StatusBadRequest, nil, nil)
			httperr.Write(w, http.StatusBadRequest, httperr.CodeBadRequest, reason)
			return
		}

		d.auditor.Request(ctx, reqKind, reqID, traceID, clientID, targetID, env.Method)

		invoker := d.invokers[kind]
		outcome := d.queues.Enqueue(ctx, targetID, func(ictx context.Context) (queue.Result, error) {
			return invoker.Invoke(ictx, target, body)
		})

		latency := msSince(receivedAt)
		meta := metadata{QueueWaitMs: outcome.QueueWait.Milliseconds(), UpstreamKind: string(kind)}

		switch outcome.Kind {
		case queue.Ok:
			d.writeOK(w, ctx, respKind, reqID, traceID, clientID, targetID, env.Method,
				outcome.Result, latency, meta)

		case queue.UpstreamFailure:
			d.writeFailure(w, ctx, reqID, traceID, clientID, targetID, env.Method,
				http.StatusBadGateway, httperr.CodeUpstreamFailure, outcome.Err.Error(), latency, meta)

		case queue.QueueFull:
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(outcome.RetryAfter)))
			d.writeFailure(w, ctx, reqID, traceID, clientID, targetID, env.Method,
				http.StatusServiceUnavailable, httperr.CodeQueueFull, "queue_full", latency, meta)

		case queue.QueueTimeout:
			d.writeFailure(w, ctx, reqID, traceID, clientID, targetID, env.Method,
				http.StatusGatewayTimeout, httperr.CodeTimeout, "timeout", latency, meta)

		case queue.Shutdown:
			d.writeFailure(w, ctx, reqID, traceID, clientID, targetID, env.Method,
				http.StatusServiceUnavailable, httperr.CodeShuttingDown, "shutdown", latency, meta)

		case queue.Canceled:
			// The client is gone; the write below is best-effort and the
			// audit record is the point.
			d.writeFailure(w, ctx, reqID, traceID, clientID, targetID, env.Method,
				statusClientClosedRequest, httperr.CodeClientClosed, "client_canceled", latency, meta)
		}
	}
}

// metadata is the metadata_json payload attached to response and error
// events.
type metadata struct {
	QueueWaitMs  int64  `json:"queue_wait_ms"`
	UpstreamKind string `json:"upstream_kind"`
	Error        string `json:"error,omitempty"`
}

func (m metadata) raw() json.RawMessage {
	raw, _ := json.Marshal(m)
	return raw
}

// writeOK serialises the upstream response back to the client. A JSON-RPC
// protocol error inside the response still travels as HTTP 200; it is
// surfaced in the event metadata instead.
func (d *Dispatcher) writeOK(w http.ResponseWriter, ctx context.Context, respKind eventstore.Kind,
	reqID, traceID, clientID, targetID, method string, res queue.Result, latency int64, meta metadata) {

	if protoErr := protocolError(res.Body); protoErr != "" {
		meta.Error = protoErr
	}
	upstream := res.UpstreamLatency.Milliseconds()

	status := http.StatusOK
	d.auditor.Response(ctx, respKind, reqID, traceID, clientID, targetID, method,
		status, &latency, &upstream, meta.raw())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(res.Body); err != nil {
		d.logger.Debug("dispatch: response write failed",
			slog.String("request_id", reqID), slog.Any("error", err))
	}
}

// writeFailure records a gateway_error event and sends the error envelope.
func (d *Dispatcher) writeFailure(w http.ResponseWriter, ctx context.Context,
	reqID, traceID, clientID, targetID, method string,
	status int, code, errMsg string, latency int64, meta metadata) {

	meta.Error = errMsg
	d.auditor.Error(ctx, reqID, traceID, clientID, targetID, method,
		errMsg, status, &latency, meta.raw())
	httperr.Write(w, status, code, errMsg)
}

// validate checks the JSON-RPC 2.0 envelope. It returns "" when valid,
// otherwise the reason recorded in the audit event and error message.
func validate(body []byte, env *envelope) string {
	if err := json.Unmarshal(body, env); err != nil {
		return "malformed_json"
	}
	if env.JSONRPC != "2.0" {
		return "invalid_jsonrpc_version"
	}
	if env.Method == "" {
		return "missing_method"
	}
	return ""
}

// protocolError extracts a summary of a JSON-RPC error member, or "" when
// the response carries none.
func protocolError(body json.RawMessage) string {
	var resp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", resp.Error.Code, resp.Error.Message)
}

// retrySeconds rounds the backoff hint up to whole seconds for the
// Retry-After header, keeping the one second floor.
func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

func clientFromContext(ctx context.Context) string {
	if id, ok := auth.FromContext(ctx); ok {
		return id.ClientID
	}
	return "anonymous"
}
