package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/executorapi"
	"github.com/d0labs/aof/internal/lease"
	"github.com/d0labs/aof/internal/planner"
	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
	"github.com/d0labs/aof/internal/throttle"
)

type fakeExecutor struct {
	mu    sync.Mutex
	err   error
	spawn int
}

func (f *fakeExecutor) Spawn(ctx context.Context, tc executorapi.TaskContext) (*executorapi.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawn++
	if f.err != nil {
		return nil, f.err
	}
	return &executorapi.SpawnResult{SessionID: "sess-1", StartedAt: time.Now()}, nil
}

func (f *fakeExecutor) GetSessionStatus(ctx context.Context, sessionID string) (executorapi.SessionStatus, error) {
	return executorapi.SessionStatus{SessionID: sessionID, State: executorapi.SessionStateRunning}, nil
}

func (f *fakeExecutor) ForceCompleteSession(ctx context.Context, sessionID string) error { return nil }

func newTestExecutor(t *testing.T, exec executorapi.Executor) (*Executor, store.Store, *lease.Manager) {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ev := event.NewLog(t.TempDir())
	s := store.NewFileStore(t.TempDir(), clock, ev, nil)
	leases := lease.New(s, lease.Options{Clock: clock})
	ctrl := throttle.New(throttle.Config{})
	e := New(Options{
		Store:    s,
		Leases:   leases,
		Throttle: ctrl,
		Events:   ev,
		Executor: exec,
		Clock:    clock,
	}, false)
	return e, s, leases
}

func mustReadyTask(t *testing.T, s store.Store) *task.Task {
	t.Helper()
	created, err := s.Create(context.Background(), &task.Task{
		Project: "demo", Title: "t", Body: "x",
		Routing: task.Routing{Agent: "agent-1", Team: "infra"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ready, err := s.Transition(context.Background(), created.ID, task.StatusReady, store.TransitionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return ready
}

func TestExecute_SuccessMovesTaskInProgress(t *testing.T) {
	exec := &fakeExecutor{}
	e, s, _ := newTestExecutor(t, exec)
	ready := mustReadyTask(t, s)

	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: ready.ID, Agent: "agent-1", Team: "infra"},
	})

	if result.ActionsExecuted != 1 || result.ActionsFailed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	got, err := s.Get(context.Background(), ready.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", got.Status)
	}
	if exec.spawn != 1 {
		t.Fatalf("expected exactly 1 spawn call, got %d", exec.spawn)
	}
}

func TestExecute_PlatformLimitReleasesLeaseAndStopsEarly(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("429 too many requests")}
	e, s, _ := newTestExecutor(t, exec)
	a := mustReadyTask(t, s)
	b := mustReadyTask(t, s)

	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: a.ID, Agent: "agent-1", Team: "infra"},
		{Kind: planner.KindAssign, TaskID: b.ID, Agent: "agent-1", Team: "infra"},
	})

	if !result.StoppedEarly {
		t.Fatalf("expected StoppedEarly on platform limit, got %+v", result)
	}
	if result.ActionsFailed != 0 {
		t.Fatalf("platform-limit failures must not count as ActionsFailed, got %d", result.ActionsFailed)
	}
	got, err := s.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusReady || got.HasLease() {
		t.Fatalf("expected task released back to ready with no lease, got %+v", got)
	}
	if exec.spawn != 1 {
		t.Fatalf("expected only the first task to reach Spawn before stopping, got %d calls", exec.spawn)
	}
}

func TestExecute_PlatformLimitTightensCapToReportedCeiling(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("max active children for this session (3/1)")}
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ev := event.NewLog(t.TempDir())
	s := store.NewFileStore(t.TempDir(), clock, ev, nil)
	leases := lease.New(s, lease.Options{Clock: clock})
	ctrl := throttle.New(throttle.Config{MaxDispatchesPerTick: 10})
	e := New(Options{
		Store:    s,
		Leases:   leases,
		Throttle: ctrl,
		Events:   ev,
		Executor: exec,
		Clock:    clock,
	}, false)

	ready := mustReadyTask(t, s)
	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: ready.ID, Agent: "agent-1", Team: "infra"},
	})

	if !result.StoppedEarly {
		t.Fatalf("expected StoppedEarly on platform limit, got %+v", result)
	}
	if got := ctrl.EffectiveConcurrencyCap(); got != 1 {
		t.Fatalf("expected cap tightened to the reported ceiling of 1 regardless of the prior cap of 10, got %d", got)
	}
}

func TestExecute_OtherFailureBlocksTaskAndIncrementsRetryCount(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom: unexpected panic in tool runner")}
	e, s, _ := newTestExecutor(t, exec)
	ready := mustReadyTask(t, s)

	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: ready.ID, Agent: "agent-1", Team: "infra"},
	})

	if result.ActionsFailed != 1 {
		t.Fatalf("expected 1 failed action, got %+v", result)
	}
	got, err := s.Get(context.Background(), ready.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusBlocked {
		t.Fatalf("expected blocked, got %s", got.Status)
	}
	if got.Metadata["retryCount"] != "1" {
		t.Fatalf("expected retryCount=1, got %q", got.Metadata["retryCount"])
	}
}

func TestExecute_NoExecutorConfiguredReportsReason(t *testing.T) {
	e, s, _ := newTestExecutor(t, nil)
	ready := mustReadyTask(t, s)

	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: ready.ID, Agent: "agent-1"},
	})
	if result.Reason != "no_executor" {
		t.Fatalf("expected no_executor reason, got %q", result.Reason)
	}
}

func TestExecute_DryRunNeverAcquiresLease(t *testing.T) {
	exec := &fakeExecutor{}
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ev := event.NewLog(t.TempDir())
	s := store.NewFileStore(t.TempDir(), clock, ev, nil)
	leases := lease.New(s, lease.Options{Clock: clock})
	e := New(Options{
		Store: s, Leases: leases, Throttle: throttle.New(throttle.Config{}), Events: ev, Executor: exec, Clock: clock,
	}, true)

	ready := mustReadyTask(t, s)
	result := e.Execute(context.Background(), []planner.Action{
		{Kind: planner.KindAssign, TaskID: ready.ID, Agent: "agent-1"},
	})

	if result.Reason != "dry_run_mode" {
		t.Fatalf("expected dry_run_mode reason, got %q", result.Reason)
	}
	got, err := s.Get(context.Background(), ready.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusReady || got.HasLease() {
		t.Fatalf("dry run must not mutate the task, got %+v", got)
	}
	if exec.spawn != 0 {
		t.Fatalf("dry run must never call Spawn, got %d calls", exec.spawn)
	}
}
