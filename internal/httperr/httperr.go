// Package httperr defines the gateway's uniform JSON error envelope and the
// symbolic error codes carried in it. Every non-2xx response the gateway
// originates (as opposed to passing through from an upstream) uses this shape:
//
//	{"error":{"code":"QUEUE_FULL","message":"..."}}
package httperr

import (
	"encoding/json"
	"net/http"
)

// Symbolic error codes. Codes are stable API; messages are not.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeQueueFull       = "QUEUE_FULL"
	CodeTimeout         = "TIMEOUT"
	CodeUpstreamFailure = "UPSTREAM_FAILURE"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
	CodeShuttingDown    = "SHUTTING_DOWN"
	CodeClientClosed    = "CLIENT_CLOSED_REQUEST"
)

type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Write sends the error envelope with the given HTTP status. Headers such as
// Retry-After must be set on w before calling Write.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: body{Code: code, Message: message}})
}
