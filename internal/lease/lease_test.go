package lease

import (
	"context"
	"testing"
	"time"

	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
)

func newTestManager(t *testing.T, now time.Time, ttl time.Duration, maxRenewals int) (*Manager, store.Store) {
	t.Helper()
	clock := func() time.Time { return now }
	s := store.NewFileStore(t.TempDir(), clock, nil, nil)
	return New(s, Options{DefaultTTL: ttl, MaxRenewals: maxRenewals, Clock: clock}), s
}

func mustReadyTask(t *testing.T, s store.Store) *task.Task {
	t.Helper()
	created, err := s.Create(context.Background(), &task.Task{Project: "aof", Title: "t", Body: "x"})
	if err != nil {
		t.Fatal(err)
	}
	ready, err := s.Transition(context.Background(), created.ID, task.StatusReady, store.TransitionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return ready
}

func TestManager_AcquireMovesToInProgress(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 15*time.Minute, 8)
	ready := mustReadyTask(t, s)

	got, err := mgr.Acquire(context.Background(), ready.ID, "agent-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", got.Status)
	}
	if got.Lease == nil || got.Lease.Agent != "agent-1" {
		t.Fatalf("expected lease for agent-1, got %+v", got.Lease)
	}
	if !got.Lease.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", got.Lease.ExpiresAt)
	}
}

func TestManager_AcquireRejectsWhenAlreadyLeasedByOther(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 15*time.Minute, 8)
	ready := mustReadyTask(t, s)

	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}

	// Force the task back to ready with an unexpired lease still attached
	// by releasing into blocked then back is not representative; instead
	// directly simulate a competing acquire before release by re-reading
	// and attempting acquire while status is in-progress.
	_, err := mgr.Acquire(context.Background(), ready.ID, "agent-2")
	if task.Kindof(err) != task.KindInvalidTransition {
		t.Fatalf("expected KindInvalidTransition (not ready), got %v", err)
	}
}

func TestManager_RenewExtendsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 10*time.Minute, 8)
	ready := mustReadyTask(t, s)

	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	renewed, err := mgr.Renew(context.Background(), ready.ID, "agent-1")
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Lease.RenewCount != 1 {
		t.Fatalf("expected RenewCount=1, got %d", renewed.Lease.RenewCount)
	}
}

func TestManager_RenewRejectsWrongAgent(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 10*time.Minute, 8)
	ready := mustReadyTask(t, s)

	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.Renew(context.Background(), ready.ID, "agent-2")
	if task.Kindof(err) != task.KindLeased {
		t.Fatalf("expected KindLeased, got %v", err)
	}
}

func TestManager_RenewExhaustsBudget(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 10*time.Minute, 2)
	ready := mustReadyTask(t, s)

	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Renew(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Renew(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.Renew(context.Background(), ready.ID, "agent-1")
	if task.Kindof(err) != task.KindInvariantViolation {
		t.Fatalf("expected renewal budget exhaustion, got %v", err)
	}
}

func TestManager_ReleaseClearsLease(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	mgr, s := newTestManager(t, now, 10*time.Minute, 8)
	ready := mustReadyTask(t, s)

	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	released, err := mgr.Release(context.Background(), ready.ID, "agent-1", task.StatusReview, store.TransitionOptions{})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Lease != nil {
		t.Fatal("expected lease to be cleared on release")
	}
	if released.Status != task.StatusReview {
		t.Fatalf("expected review, got %s", released.Status)
	}
}

func TestManager_ExpireStaleReturnsTasksPastExpiry(t *testing.T) {
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }

	s := store.NewFileStore(t.TempDir(), clock, nil, nil)
	mgr := New(s, Options{DefaultTTL: 5 * time.Minute, MaxRenewals: 8, Clock: clock})

	ready := mustReadyTask(t, s)
	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}

	current = start.Add(10 * time.Minute) // past the 5-minute TTL

	expired, err := mgr.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired task, got %d", len(expired))
	}
	if expired[0].Status != task.StatusReady {
		t.Fatalf("expected task back to ready, got %s", expired[0].Status)
	}
	if expired[0].Lease != nil {
		t.Fatal("expected lease cleared after expiry")
	}
}

func TestManager_ExpireStaleBlocksAfterMaxAutoRequeue(t *testing.T) {
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }

	s := store.NewFileStore(t.TempDir(), clock, nil, nil)
	mgr := New(s, Options{
		DefaultTTL:   5 * time.Minute,
		MaxRenewals:  8,
		ExpiryPolicy: MaxRequeuePolicy{MaxAutoRequeue: 1},
		Clock:        clock,
	})

	ready := mustReadyTask(t, s)
	if _, err := s.Update(context.Background(), ready.ID, func(tk *task.Task) error {
		if tk.Metadata == nil {
			tk.Metadata = map[string]string{}
		}
		tk.Metadata["retryCount"] = "1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Acquire(context.Background(), ready.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}

	current = start.Add(10 * time.Minute)

	expired, err := mgr.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 || expired[0].Status != task.StatusBlocked {
		t.Fatalf("expected task blocked after exhausting auto-requeue budget, got %+v", expired)
	}
}
