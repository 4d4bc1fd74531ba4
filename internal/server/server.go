// Package server assembles the gateway's HTTP surface: the chi router, the
// request-id and recovery middleware, the health endpoint, and the wiring
// between authentication, dispatch, and the live event stream.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tollgate/gateway/internal/audit"
	"github.com/tollgate/gateway/internal/auth"
	"github.com/tollgate/gateway/internal/config"
	"github.com/tollgate/gateway/internal/dispatch"
	"github.com/tollgate/gateway/internal/queue"
	"github.com/tollgate/gateway/internal/sse"
)

// PermEventsRead is required to attach to GET /events/stream.
const PermEventsRead = "events:read"

// Server owns the HTTP routing for the gateway.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	auditor    *audit.Logger
	queues     *queue.Manager
	hub        *sse.Hub
	dispatcher *dispatch.Dispatcher
	streamer   *sse.Handler
	resolver   auth.CredentialResolver

	backend   string // "sqlite" or "postgres", reported by /health?verbose=1
	startTime time.Time
}

// New creates a Server from its collaborators. backend names the event
// store implementation for the verbose health report.
func New(cfg *config.Config, logger *slog.Logger, auditor *audit.Logger,
	queues *queue.Manager, hub *sse.Hub, dispatcher *dispatch.Dispatcher,
	resolver auth.CredentialResolver, backend string) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		auditor:    auditor,
		queues:     queues,
		hub:        hub,
		dispatcher: dispatcher,
		streamer:   sse.NewHandler(hub, logger, 0),
		resolver:   resolver,
		backend:    backend,
		startTime:  time.Now(),
	}
}

// Router builds the full middleware chain and route table.
//
// Route layout:
//
//	GET  /health           – liveness probe, unauthenticated; ?verbose=1 for
//	                         queue, stream, and store detail
//	POST /mcp/{target}     – JSON-RPC to an mcp target (authenticated)
//	POST /a2a/{target}     – JSON-RPC to an a2a target (authenticated)
//	GET  /events/stream    – SSE audit stream (authenticated, events:read)
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.bodyLimit)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.resolver, s.auditor, s.logger))

		r.Post("/mcp/{target}", s.dispatcher.Handler(config.KindMCP))
		r.Post("/a2a/{target}", s.dispatcher.Handler(config.KindA2A))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePermission(PermEventsRead, s.auditor))
			r.Get("/events/stream", s.streamer.ServeHTTP)
		})
	})

	return r
}

// healthResponse is the GET /health payload. The verbose fields are omitted
// unless ?verbose=1 is given.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`

	UptimeS        float64                `json:"uptime_s,omitempty"`
	Store          string                 `json:"store,omitempty"`
	Queues         map[string]queue.Stats `json:"queues,omitempty"`
	SSESubscribers int                    `json:"sse_subscribers,omitempty"`
	SSEDropped     int64                  `json:"sse_dropped_total,omitempty"`
	AuditDropped   int64                  `json:"audit_dropped_total,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if r.URL.Query().Get("verbose") == "1" {
		resp.UptimeS = time.Since(s.startTime).Seconds()
		resp.Store = s.backend
		resp.Queues = s.queues.Stats()
		resp.SSESubscribers = s.hub.SubscriberCount()
		resp.SSEDropped = s.hub.DroppedTotal()
		resp.AuditDropped = s.auditor.Dropped()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health: encode response", slog.Any("error", err))
	}
}
