package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tollgate/gateway/internal/httperr"
	"github.com/tollgate/gateway/internal/requestid"
)

// requestID mints a ULID request id for every inbound request and stores it,
// with the trace id, in the request context. A client-supplied X-Trace-Id is
// honoured only when it is itself a canonical ULID; anything else is
// replaced so downstream systems never see free-form identifiers. Both ids
// are echoed on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestid.Mint()
		traceID := r.Header.Get("X-Trace-Id")
		if !requestid.Valid(traceID) {
			traceID = requestid.MintTrace()
		}

		w.Header().Set("X-Request-Id", reqID)
		w.Header().Set("X-Trace-Id", traceID)

		ctx := requestid.NewContext(r.Context(), reqID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer converts a handler panic into a 500 with the uniform error
// envelope and a gateway_error audit event. http.ErrAbortHandler is
// propagated so deliberate connection aborts keep their meaning.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			ctx := r.Context()
			reqID := requestid.FromContext(ctx)
			s.logger.Error("server: handler panicked",
				slog.String("request_id", reqID),
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			s.auditor.Error(ctx, reqID, requestid.TraceFromContext(ctx),
				"anonymous", "", "", "panic", http.StatusInternalServerError, nil, nil)

			httperr.Write(w, http.StatusInternalServerError, httperr.CodeInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps the request body at the configured max_body_size before any
// handler reads it. Exceeding the cap surfaces as *http.MaxBytesError from
// Body.Read, which the dispatcher maps to 413.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	limit := s.cfg.MaxBodyBytes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
