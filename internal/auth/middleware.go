package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tollgate/gateway/internal/audit"
	"github.com/tollgate/gateway/internal/httperr"
	"github.com/tollgate/gateway/internal/requestid"
)

type contextKey int

const identityKey contextKey = 0

// Deny reasons recorded on gateway_auth_failure events.
const (
	ReasonMissingCredential   = "missing_credential"
	ReasonMalformedCredential = "malformed_credential"
	ReasonInvalidCredential   = "invalid_credential"
)

// FromContext retrieves the identity injected by Middleware. ok is false for
// requests that never passed authentication.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// NewContext returns ctx carrying id. Exposed for handler tests that bypass
// the middleware.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware returns the bearer-token authentication middleware. On success
// the verified identity is attached to the request context and a
// gateway_auth_success event is recorded; on failure the response is 401
// with the uniform error envelope, a gateway_auth_failure event is recorded,
// and next is never called.
func Middleware(resolver CredentialResolver, auditor *audit.Logger, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := requestid.FromContext(ctx)
			traceID := requestid.TraceFromContext(ctx)

			token, reason := bearerToken(r)
			if reason != "" {
				auditor.AuthFailure(ctx, reqID, traceID, "", reason)
				httperr.Write(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "authentication required")
				return
			}

			id, err := resolver.Resolve(ctx, token)
			if err != nil {
				logger.Warn("auth: credential rejected",
					slog.String("request_id", reqID),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				auditor.AuthFailure(ctx, reqID, traceID, "", ReasonInvalidCredential)
				httperr.Write(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "invalid credential")
				return
			}

			auditor.AuthSuccess(ctx, reqID, traceID, id.ClientID)
			next.ServeHTTP(w, r.WithContext(NewContext(ctx, id)))
		})
	}
}

// RequirePermission returns middleware enforcing that the authenticated
// identity holds perm. A missing permission yields 403 and a
// gateway_auth_failure event with deny reason "forbidden:<perm>", attributed
// to the already-verified client id.
func RequirePermission(perm string, auditor *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id, ok := FromContext(ctx)
			if !ok {
				// Route is miswired: permission checks only make sense
				// behind Middleware.
				httperr.Write(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "authentication required")
				return
			}
			if !id.Has(perm) {
				auditor.AuthFailure(ctx,
					requestid.FromContext(ctx), requestid.TraceFromContext(ctx),
					id.ClientID, fmt.Sprintf("forbidden:%s", perm))
				httperr.Write(w, http.StatusForbidden, httperr.CodeForbidden,
					fmt.Sprintf("missing permission %q", perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the bearer credential from the Authorization header.
// reason is "" on success, otherwise the deny reason to record.
func bearerToken(r *http.Request) (token, reason string) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", ReasonMissingCredential
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return "", ReasonMalformedCredential
	}
	token = strings.TrimSpace(strings.TrimPrefix(raw, prefix))
	if token == "" {
		return "", ReasonMalformedCredential
	}
	return token, ""
}
