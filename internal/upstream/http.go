// Package upstream contains the reference invokers behind the per-target
// queues: JSON-RPC over HTTP for a2a targets and JSON-RPC over a child
// process's stdio for mcp targets. Both report the upstream wall time they
// observed and translate every transport problem into an error, leaving
// protocol-level JSON-RPC errors inside the response body untouched.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tollgate/gateway/internal/config"
	"github.com/tollgate/gateway/internal/queue"
)

// maxResponseBytes caps how much of an upstream response is read.
const maxResponseBytes = 100 * 1024 * 1024

// HTTP invokes a2a targets by POSTing the JSON-RPC envelope to the target
// URL. The per-entry deadline arrives through ctx; the client itself has no
// timeout so the queue stays in charge.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates the a2a invoker. client may be nil, in which case a
// dedicated default client is used.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client}
}

// Invoke implements the dispatcher's upstream seam.
func (h *HTTP) Invoke(ctx context.Context, target config.Target, body []byte) (queue.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Result{}, fmt.Errorf("upstream %s: build request: %w", target.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return queue.Result{}, fmt.Errorf("upstream %s: %w", target.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	latency := time.Since(start)
	if err != nil {
		return queue.Result{}, fmt.Errorf("upstream %s: read response: %w", target.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return queue.Result{}, fmt.Errorf("upstream %s: unexpected status %d", target.ID, resp.StatusCode)
	}

	return queue.Result{Body: data, UpstreamLatency: latency}, nil
}
