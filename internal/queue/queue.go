// Package queue implements the gateway's per-target admission control. Each
// upstream target gets one queue, created lazily on first request and kept
// for the lifetime of the process. A queue bounds concurrent upstream work
// (maxInflight), bounds the waiting line (maxQueue), and enforces a timeout
// measured from enqueue.
//
// Execution happens on the caller's goroutine: Enqueue blocks until a slot
// is granted, the invoker runs, and the outcome is returned. Waiting entries
// are granted slots strictly in enqueue order — the slot released by a
// finishing entry is handed directly to the head of the FIFO.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Result is what a successful upstream invocation produces.
type Result struct {
	// Body is the raw upstream JSON-RPC response. It may carry a protocol
	// level "error" member; that is still a successful invocation.
	Body json.RawMessage

	// UpstreamLatency is the wall time the upstream took, as measured by
	// the invoker.
	UpstreamLatency time.Duration
}

// Invoker performs one upstream call. It must honour ctx cancellation by
// returning promptly.
type Invoker func(ctx context.Context) (Result, error)

// OutcomeKind classifies how an enqueued request ended.
type OutcomeKind int

const (
	// Ok means the invoker completed and Outcome.Result is valid.
	Ok OutcomeKind = iota
	// UpstreamFailure means the invoker returned an error or panicked.
	UpstreamFailure
	// QueueFull means admission was refused because the waiting line was
	// at capacity. Outcome.RetryAfter carries the backoff hint.
	QueueFull
	// QueueTimeout means the entry timed out while still waiting.
	QueueTimeout
	// Shutdown means the entry was refused or cancelled because the queue
	// is draining.
	Shutdown
	// Canceled means the caller abandoned the request while it was still
	// waiting for a slot.
	Canceled
)

// String returns the lower-snake name used in logs and error metadata.
func (k OutcomeKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case UpstreamFailure:
		return "upstream_failure"
	case QueueFull:
		return "queue_full"
	case QueueTimeout:
		return "timeout"
	case Shutdown:
		return "shutdown"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the terminal result of one Enqueue call.
type Outcome struct {
	Kind OutcomeKind

	// Result is valid only when Kind is Ok.
	Result Result

	// Err is set when Kind is UpstreamFailure.
	Err error

	// QueueWait is how long the entry spent waiting for a slot.
	QueueWait time.Duration

	// RetryAfter is the suggested client backoff when Kind is QueueFull:
	// the observed mean service time, floored at one second.
	RetryAfter time.Duration
}

// Limits are the per-queue admission parameters.
type Limits struct {
	MaxInflight int
	MaxQueue    int
	Timeout     time.Duration
}

// Stats is a point-in-time snapshot of one target's queue.
type Stats struct {
	Inflight    int     `json:"inflight"`
	Waiting     int     `json:"waiting"`
	Completed   int64   `json:"completed"`
	Rejected    int64   `json:"rejected"`
	MeanServeMs float64 `json:"mean_serve_ms"`
}

// ewmaAlpha weights the most recent service time at 20%.
const ewmaAlpha = 0.2

// minRetryAfter floors the QueueFull backoff hint.
const minRetryAfter = time.Second

type entry struct {
	ready chan struct{} // closed when a slot is granted
}

// targetQueue is the admission gate for a single target.
type targetQueue struct {
	target string
	limits Limits
	logger *slog.Logger

	mu        sync.Mutex
	inflight  int
	waiting   []*entry
	meanServe time.Duration // EWMA of execution time
	completed int64
	rejected  int64
	draining  bool

	drainCh   chan struct{} // closed when draining starts
	forceCh   chan struct{} // closed when the drain deadline fires
	drainOnce sync.Once
	forceOnce sync.Once
}

func newTargetQueue(target string, limits Limits, logger *slog.Logger) *targetQueue {
	return &targetQueue{
		target:  target,
		limits:  limits,
		logger:  logger,
		drainCh: make(chan struct{}),
		forceCh: make(chan struct{}),
	}
}

// enqueue admits, waits, executes, and returns the outcome. See the package
// doc for the admission rules.
func (q *targetQueue) enqueue(ctx context.Context, inv Invoker) Outcome {
	enqueuedAt := time.Now()

	q.mu.Lock()
	if q.draining {
		q.rejected++
		q.mu.Unlock()
		return Outcome{Kind: Shutdown}
	}
	if q.inflight < q.limits.MaxInflight {
		q.inflight++
		q.mu.Unlock()
		return q.run(ctx, inv, enqueuedAt)
	}
	if len(q.waiting) >= q.limits.MaxQueue {
		q.rejected++
		retry := q.retryAfterLocked()
		q.mu.Unlock()
		return Outcome{Kind: QueueFull, RetryAfter: retry}
	}
	e := &entry{ready: make(chan struct{})}
	q.waiting = append(q.waiting, e)
	q.mu.Unlock()

	timer := time.NewTimer(q.limits.Timeout)
	defer timer.Stop()

	select {
	case <-e.ready:
		return q.run(ctx, inv, enqueuedAt)

	case <-timer.C:
		if q.removeWaiting(e) {
			q.countRejected()
			return Outcome{Kind: QueueTimeout, QueueWait: time.Since(enqueuedAt)}
		}
		// The grant raced the timer: a slot was handed over just as the
		// timeout fired. Consume it, give it straight back.
		<-e.ready
		q.release()
		q.countRejected()
		return Outcome{Kind: QueueTimeout, QueueWait: time.Since(enqueuedAt)}

	case <-ctx.Done():
		if q.removeWaiting(e) {
			q.countRejected()
			return Outcome{Kind: Canceled, QueueWait: time.Since(enqueuedAt)}
		}
		<-e.ready
		q.release()
		q.countRejected()
		return Outcome{Kind: Canceled, QueueWait: time.Since(enqueuedAt)}

	case <-q.drainCh:
		if q.removeWaiting(e) {
			q.countRejected()
			return Outcome{Kind: Shutdown, QueueWait: time.Since(enqueuedAt)}
		}
		<-e.ready
		q.release()
		q.countRejected()
		return Outcome{Kind: Shutdown, QueueWait: time.Since(enqueuedAt)}
	}
}

// run executes inv while holding an inflight slot. The invocation context is
// bounded by the entry deadline (timeout measured from enqueue), the
// caller's context, and the drain force-cancel.
func (q *targetQueue) run(ctx context.Context, inv Invoker, enqueuedAt time.Time) Outcome {
	queueWait := time.Since(enqueuedAt)
	defer q.release()

	ictx, cancel := context.WithDeadline(ctx, enqueuedAt.Add(q.limits.Timeout))
	defer cancel()
	stop := cancelOnForce(ictx, cancel, q.forceCh)
	defer stop()

	started := time.Now()
	res, err := q.safeInvoke(ictx, inv)
	served := time.Since(started)

	if err != nil {
		q.countRejected()
		if forced(q.forceCh) {
			return Outcome{Kind: Shutdown, QueueWait: queueWait}
		}
		// The entry deadline expiring mid-execution is still a timeout: a
		// cooperative invoker returns ctx.Err() promptly and the caller
		// sees 504, not a transport failure.
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			return Outcome{Kind: QueueTimeout, QueueWait: queueWait}
		}
		return Outcome{Kind: UpstreamFailure, Err: err, QueueWait: queueWait}
	}

	q.mu.Lock()
	q.completed++
	if q.meanServe == 0 {
		q.meanServe = served
	} else {
		q.meanServe = time.Duration(ewmaAlpha*float64(served) + (1-ewmaAlpha)*float64(q.meanServe))
	}
	q.mu.Unlock()

	return Outcome{Kind: Ok, Result: res, QueueWait: queueWait}
}

// safeInvoke calls inv, converting a panic into an error so one misbehaving
// upstream adapter cannot poison the queue. The slot is freed normally by
// the deferred release in run.
func (q *targetQueue) safeInvoke(ctx context.Context, inv Invoker) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue: invoker panicked",
				slog.String("target", q.target),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("invoker panic: %v", r)
		}
	}()
	return inv(ctx)
}

// release frees the caller's inflight slot. When entries are waiting and the
// queue is not draining, the slot is transferred directly to the FIFO head,
// which preserves enqueue order and keeps inflight at its ceiling.
func (q *targetQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) > 0 && !q.draining {
		head := q.waiting[0]
		q.waiting = q.waiting[1:]
		close(head.ready)
		return
	}
	q.inflight--
}

// removeWaiting takes e out of the waiting list. It returns false when e is
// no longer there, which means a slot grant is in flight and the caller must
// consume e.ready.
func (q *targetQueue) removeWaiting(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w == e {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (q *targetQueue) countRejected() {
	q.mu.Lock()
	q.rejected++
	q.mu.Unlock()
}

func (q *targetQueue) retryAfterLocked() time.Duration {
	if q.meanServe < minRetryAfter {
		return minRetryAfter
	}
	return q.meanServe
}

func (q *targetQueue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Inflight:    q.inflight,
		Waiting:     len(q.waiting),
		Completed:   q.completed,
		Rejected:    q.rejected,
		MeanServeMs: float64(q.meanServe) / float64(time.Millisecond),
	}
}

// startDrain flips the queue into draining mode: new admission is refused
// and waiting entries are woken with Shutdown. Inflight work continues.
func (q *targetQueue) startDrain() {
	q.drainOnce.Do(func() {
		q.mu.Lock()
		q.draining = true
		q.mu.Unlock()
		close(q.drainCh)
	})
}

// forceCancel asserts cancellation on everything still executing.
func (q *targetQueue) forceCancel() {
	q.forceOnce.Do(func() { close(q.forceCh) })
}

// idle reports whether nothing is executing or waiting.
func (q *targetQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight == 0 && len(q.waiting) == 0
}

// cancelOnForce cancels the invocation context when force fires. The
// returned stop func releases the watcher goroutine.
func cancelOnForce(ctx context.Context, cancel context.CancelFunc, force <-chan struct{}) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-force:
			cancel()
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() { close(done) }
}

func forced(force <-chan struct{}) bool {
	select {
	case <-force:
		return true
	default:
		return false
	}
}
