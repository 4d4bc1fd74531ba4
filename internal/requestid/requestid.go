// Package requestid mints the gateway's request and trace identifiers.
//
// Identifiers are 26-character Crockford-base32 ULIDs: a 48-bit millisecond
// timestamp followed by 80 bits of cryptographically random payload. Two ids
// minted within the same millisecond are ordered by their random suffix, so
// ids are time-sortable but not strictly monotonic under clock skew — the
// gateway does not require that.
package requestid

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	traceIDKey
)

// NewContext returns ctx carrying the request and trace ids minted for one
// inbound request. traceID may be empty when the client supplied none.
func NewContext(ctx context.Context, requestID, traceID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	return ctx
}

// FromContext returns the request id stored by NewContext, or "" when the
// request never passed through the id middleware.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// TraceFromContext returns the trace id stored by NewContext, or "".
func TraceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// Mint returns a fresh request id. It never fails: the only error source is
// the crypto/rand reader, and an unreadable system entropy pool is fatal.
func Mint() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("requestid: entropy source unavailable: %v", err))
	}
	return id.String()
}

// MintTrace returns a fresh trace id. Trace ids share the request-id format;
// a separate constructor keeps call sites self-describing.
func MintTrace() string {
	return Mint()
}

// Timestamp decodes the leading 48-bit millisecond timestamp of id.
// It returns an error for any input that is not a canonical 26-character
// Crockford-base32 ULID.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("requestid: parse %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// Valid reports whether id is a canonical 26-character ULID. It is used to
// decide whether a client-supplied X-Trace-Id can be echoed as-is.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
