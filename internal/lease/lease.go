// Package lease implements the Lease Manager: exclusive, time-bounded holds
// on in-progress tasks, identified by the holding agent, with renewal and
// expiry handled on top of the Task Store's atomic transitions.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
)

// ExpiryPolicy decides where an expired lease's task should land: back in
// ready for another agent to pick up, or blocked because it has already
// been requeued too many times to keep retrying silently.
type ExpiryPolicy interface {
	ShouldBlock(t *task.Task) bool
}

// MaxRequeuePolicy is the default ExpiryPolicy: block once a task's
// "retryCount" metadata counter (maintained by the dispatch executor) has
// already reached MaxAutoRequeue.
type MaxRequeuePolicy struct {
	MaxAutoRequeue int
}

// ShouldBlock implements ExpiryPolicy.
func (p MaxRequeuePolicy) ShouldBlock(t *task.Task) bool {
	max := p.MaxAutoRequeue
	if max <= 0 {
		max = 3
	}
	return retryCount(t) >= max
}

func retryCount(t *task.Task) int {
	if t.Metadata == nil {
		return 0
	}
	n := 0
	fmt.Sscanf(t.Metadata["retryCount"], "%d", &n)
	return n
}

// Manager acquires, renews, releases, and expires task leases.
type Manager struct {
	store       store.Store
	defaultTTL  time.Duration
	maxRenewals int
	expiry      ExpiryPolicy
	now         func() time.Time
}

// Options configures a Manager.
type Options struct {
	DefaultTTL     time.Duration
	MaxRenewals    int
	ExpiryPolicy   ExpiryPolicy
	Clock          func() time.Time
}

// New returns a Manager backed by s.
func New(s store.Store, opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxRenewals <= 0 {
		opts.MaxRenewals = 8
	}
	if opts.ExpiryPolicy == nil {
		opts.ExpiryPolicy = MaxRequeuePolicy{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:       s,
		defaultTTL:  opts.DefaultTTL,
		maxRenewals: opts.MaxRenewals,
		expiry:      opts.ExpiryPolicy,
		now:         opts.Clock,
	}
}

// Acquire claims id for agent, moving it from ready to in-progress and
// attaching a fresh lease. Fails with KindLeased if another agent already
// holds an unexpired lease, and with KindInvalidTransition if the task is
// not currently ready.
func (m *Manager) Acquire(ctx context.Context, id, agent string) (*task.Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("lease: acquire %s: agent is required", id)
	}

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != task.StatusReady {
		return nil, task.InvalidTransition(id, current.Status, task.StatusInProgress)
	}
	if current.Lease != nil && !current.Lease.Expired(m.now()) && current.Lease.Agent != agent {
		return nil, task.Leased("acquire", id, current.Lease.Agent)
	}

	now := m.now().UTC()
	withLease, err := m.store.Update(ctx, id, func(t *task.Task) error {
		t.Lease = &task.Lease{
			Agent:      agent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.defaultTTL),
			RenewCount: 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = withLease

	return m.store.Transition(ctx, id, task.StatusInProgress, store.TransitionOptions{Actor: agent})
}

// Renew extends an existing lease held by agent. Fails with
// KindInvariantViolation once the renewal budget (MaxRenewals) is spent —
// callers should treat that as a signal to let the task expire and be
// re-dispatched rather than renewing forever.
func (m *Manager) Renew(ctx context.Context, id, agent string) (*task.Task, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != task.StatusInProgress || current.Lease == nil {
		return nil, task.InvariantViolation("renew", id, fmt.Errorf("task has no active lease"))
	}
	if current.Lease.Agent != agent {
		return nil, task.Leased("renew", id, current.Lease.Agent)
	}
	if current.Lease.RenewCount >= m.maxRenewals {
		return nil, task.InvariantViolation("renew", id, fmt.Errorf("renewal budget exhausted (%d)", m.maxRenewals))
	}

	now := m.now().UTC()
	return m.store.Update(ctx, id, func(t *task.Task) error {
		t.Lease.ExpiresAt = now.Add(m.defaultTTL)
		t.Lease.RenewCount++
		return nil
	})
}

// Release hands the task back, transitioning it to to (typically review,
// ready, blocked, or done) and clearing the lease as part of that move.
func (m *Manager) Release(ctx context.Context, id, agent string, to task.Status, opts store.TransitionOptions) (*task.Task, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Lease != nil && current.Lease.Agent != agent {
		return nil, task.Leased("release", id, current.Lease.Agent)
	}
	if opts.Actor == "" {
		opts.Actor = agent
	}
	return m.store.Transition(ctx, id, to, opts)
}

// ExpireStale scans every in-progress task and returns the task back to
// ready wherever its lease has expired (or to blocked when the expiry
// policy's ShouldBlock says so), clearing the lease as part of the same
// atomic move. Returns the tasks that were expired, for the caller to
// log or emit events for.
func (m *Manager) ExpireStale(ctx context.Context) ([]*task.Task, error) {
	inProgress, err := m.store.List(ctx, store.ListFilter{Statuses: []task.Status{task.StatusInProgress}})
	if err != nil {
		return nil, err
	}

	now := m.now()
	var expired []*task.Task
	for _, t := range inProgress {
		if !t.Lease.Expired(now) {
			continue
		}
		target := task.StatusReady
		if m.expiry.ShouldBlock(t) {
			target = task.StatusBlocked
		}
		moved, err := m.store.Transition(ctx, t.ID, target, store.TransitionOptions{Actor: "lease-manager"})
		if err != nil {
			return expired, fmt.Errorf("lease: expire %s: %w", t.ID, err)
		}
		expired = append(expired, moved)
	}
	return expired, nil
}
