package sse

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tollgate/gateway/internal/eventstore"
)

// HeartbeatInterval is how long the handler waits without traffic before
// emitting a comment frame to keep intermediaries from timing the
// connection out.
const HeartbeatInterval = 30 * time.Second

// Handler serves GET /events/stream as text/event-stream.
//
// Query parameters:
//
//	kinds     – comma-separated event kinds to deliver (default: all)
//	client_id – restrict to events for one client id (default: all)
//
// Each event is framed as "event: gateway_event\ndata: <json>\n\n". A
// ": connected" comment frame is written on attach and ": ping" comment
// frames every 30 seconds of silence. The subscriber is detached when the
// client disconnects, a write fails, or the hub shuts down.
type Handler struct {
	hub       *Hub
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler creates a Handler backed by hub. heartbeat <= 0 defaults to
// HeartbeatInterval.
func NewHandler(hub *Hub, logger *slog.Logger, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	return &Handler{hub: hub, logger: logger, heartbeat: heartbeat}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := parseFilter(r)
	sub := h.hub.Attach(filter)
	defer h.hub.Detach(sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Debug("sse: subscriber connected",
		slog.String("subscriber_id", sub.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	heartbeat := time.NewTimer(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Hub closed the channel — shutting down.
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("sse: write failed, detaching",
					slog.String("subscriber_id", sub.ID()), slog.Any("error", err))
				return
			}
			flusher.Flush()
			resetTimer(heartbeat, h.heartbeat)

		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(h.heartbeat)
		}
	}
}

// writeEvent frames one event as a single SSE message.
func writeEvent(w http.ResponseWriter, ev eventstore.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: gateway_event\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// parseFilter builds the subscriber filter from the request query.
func parseFilter(r *http.Request) Filter {
	var f Filter

	if kinds := r.URL.Query().Get("kinds"); kinds != "" {
		f.Kinds = make(map[eventstore.Kind]bool)
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds[eventstore.Kind(k)] = true
			}
		}
	}
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		f.ClientIDs = map[string]bool{clientID: true}
	}
	return f
}

// resetTimer drains and resets a timer that has not fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
