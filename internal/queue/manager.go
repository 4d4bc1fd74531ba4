package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// drainPollInterval is how often Drain re-checks queue idleness.
const drainPollInterval = 20 * time.Millisecond

// Manager owns one queue per target. Queues are created on first use and
// live until the process exits.
type Manager struct {
	limits Limits
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[string]*targetQueue
	draining bool
}

// NewManager creates a Manager applying limits to every target queue.
func NewManager(limits Limits, logger *slog.Logger) *Manager {
	return &Manager{
		limits: limits,
		logger: logger,
		queues: make(map[string]*targetQueue),
	}
}

// Enqueue admits a request for target and runs inv when a slot is granted,
// blocking the caller until the outcome is known. During shutdown every
// admission is refused with Shutdown.
func (m *Manager) Enqueue(ctx context.Context, target string, inv Invoker) Outcome {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return Outcome{Kind: Shutdown}
	}
	q, ok := m.queues[target]
	if !ok {
		q = newTargetQueue(target, m.limits, m.logger)
		m.queues[target] = q
	}
	m.mu.Unlock()

	return q.enqueue(ctx, inv)
}

// Stats returns a snapshot of every observed target queue.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.queues))
	for target, q := range m.queues {
		out[target] = q.stats()
	}
	return out
}

// Drain performs graceful shutdown of all queues: new admission is refused,
// waiting entries are rejected with Shutdown, and inflight work is allowed
// to finish until deadline. When the deadline fires, remaining invocations
// are cancelled. Drain returns true when every queue emptied in time.
func (m *Manager) Drain(deadline time.Duration) bool {
	m.mu.Lock()
	m.draining = true
	queues := make([]*targetQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.startDrain()
	}

	expire := time.NewTimer(deadline)
	defer expire.Stop()
	tick := time.NewTicker(drainPollInterval)
	defer tick.Stop()

	for {
		if allIdle(queues) {
			m.logger.Info("queue: drain complete")
			return true
		}
		select {
		case <-expire.C:
			m.logger.Warn("queue: drain deadline fired, cancelling inflight work",
				slog.Duration("deadline", deadline))
			for _, q := range queues {
				q.forceCancel()
			}
			// Give the cancelled invokers a moment to unwind so their
			// slots are accounted for before the caller tears stores down.
			settle := time.NewTimer(deadline / 10)
			defer settle.Stop()
			for {
				if allIdle(queues) {
					return false
				}
				select {
				case <-settle.C:
					return false
				case <-tick.C:
				}
			}
		case <-tick.C:
		}
	}
}

func allIdle(queues []*targetQueue) bool {
	for _, q := range queues {
		if !q.idle() {
			return false
		}
	}
	return true
}
