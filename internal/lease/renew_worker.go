package lease

import (
	"context"
	"sync"
	"time"

	"github.com/d0labs/aof/internal/logging"
)

// RetryPolicy decides how long to wait before retrying a failed renewal.
type RetryPolicy interface {
	NextBackoff(attempt int) time.Duration
}

// ExponentialBackoff doubles Base up to Max, starting from attempt 1.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// NextBackoff implements RetryPolicy.
func (b ExponentialBackoff) NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// AutoRenewer keeps leases alive in the background for long-running work,
// renewing at a fixed fraction of the lease TTL and retrying on transient
// renewal failure per policy. Each active renewal is tracked in a sync.Map
// keyed by task id so Stop/StopAll can cancel individual or all workers.
type AutoRenewer struct {
	mgr     *Manager
	policy  RetryPolicy
	logger  logging.Logger
	workers sync.Map // taskID -> context.CancelFunc
}

// NewAutoRenewer returns an AutoRenewer on top of mgr.
func NewAutoRenewer(mgr *Manager, policy RetryPolicy, logger logging.Logger) *AutoRenewer {
	if policy == nil {
		policy = ExponentialBackoff{Base: time.Second, Max: 30 * time.Second}
	}
	return &AutoRenewer{mgr: mgr, policy: policy, logger: logging.OrNop(logger)}
}

// Start begins renewing id's lease on behalf of agent every interval, until
// ctx is cancelled or Stop(id) is called. Replaces any existing worker for
// the same id.
func (a *AutoRenewer) Start(ctx context.Context, id, agent string, interval time.Duration) {
	a.Stop(id)

	workerCtx, cancel := context.WithCancel(ctx)
	a.workers.Store(id, cancel)

	go a.run(workerCtx, id, agent, interval)
}

func (a *AutoRenewer) run(ctx context.Context, id, agent string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer a.workers.Delete(id)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.mgr.Renew(ctx, id, agent); err != nil {
				attempt++
				a.logger.Warn("lease: auto-renew %s failed (attempt %d): %v", id, attempt, err)
				backoff := a.policy.NextBackoff(attempt)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			attempt = 0
		}
	}
}

// Stop cancels the renewal worker for id, if any. Safe to call when no
// worker is running.
func (a *AutoRenewer) Stop(id string) {
	if v, ok := a.workers.LoadAndDelete(id); ok {
		v.(context.CancelFunc)()
	}
}

// StopAll cancels every active renewal worker, e.g. during shutdown.
func (a *AutoRenewer) StopAll() {
	a.workers.Range(func(key, value any) bool {
		value.(context.CancelFunc)()
		a.workers.Delete(key)
		return true
	})
}
