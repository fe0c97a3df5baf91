// Package scheduler implements the Scheduler Poll Loop: the single
// orchestrator that ties the lease manager, gate engine, dependency
// analyzer, throttle controller, dispatch planner, and dispatch executor
// together into one fixed-interval tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d0labs/aof/internal/dependency"
	"github.com/d0labs/aof/internal/dispatch"
	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/gate"
	"github.com/d0labs/aof/internal/lease"
	"github.com/d0labs/aof/internal/logging"
	"github.com/d0labs/aof/internal/metrics"
	"github.com/d0labs/aof/internal/planner"
	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
	"github.com/d0labs/aof/internal/throttle"
)

// Options configures a Scheduler. Every dependency is constructed by the
// caller (cmd/aofd) and handed in fully wired.
type Options struct {
	Store      store.Store
	Leases     *lease.Manager
	AutoRenew  *lease.AutoRenewer
	Gate       *gate.Engine
	Dispatcher *dispatch.Executor
	Throttle   *throttle.Controller
	Manifests  gate.ManifestSource
	// Topo pre-checks the full task set for dependency cycles ahead of
	// planning, independent of (and caching across ticks unlike) the
	// dependency analyzer's per-tick Graph.CircularDeps.
	Topo     *dependency.TopoOrderer
	Events   *event.Log
	Metrics  *metrics.Metrics
	Logger   logging.Logger
	Clock    func() time.Time
	Interval time.Duration
	DryRun   bool
}

// Scheduler runs the poll loop on a fixed interval until stopped.
type Scheduler struct {
	opts Options

	mu       sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopped  chan struct{}
	stopOnce sync.Once
}

// New returns a Scheduler. Call Start to begin ticking.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Scheduler{opts: opts, stopped: make(chan struct{})}
}

// Start begins the poll loop. Polls do not overlap: each tick awaits the
// previous tick's completion before the next ticker fire is handled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	group.Go(func() error {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Tick(gctx); err != nil {
					s.opts.Logger.Error("scheduler: tick failed: %v", err)
				}
			}
		}
	})
}

// Stop cancels the poll loop without waiting for the in-flight tick.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.opts.AutoRenew != nil {
			s.opts.AutoRenew.StopAll()
		}
		close(s.stopped)
	})
}

// Drain cancels the poll loop and every background lease renewer, then
// waits for the in-flight tick to finish, respecting ctx's deadline. The
// renewer goroutines are cancelled but not waited on.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.opts.AutoRenew != nil {
		s.opts.AutoRenew.StopAll()
	}

	done := make(chan error, 1)
	go func() {
		if group != nil {
			done <- group.Wait()
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		s.stopOnce.Do(func() { close(s.stopped) })
		return err
	case <-ctx.Done():
		s.stopOnce.Do(func() { close(s.stopped) })
		return fmt.Errorf("scheduler: drain: %w", ctx.Err())
	}
}

// Done returns a channel closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Tick runs exactly one poll: lease expiry, gate timeout escalation,
// analysis, planning, dispatch, and the scheduler.poll event. Exported so
// cmd/aofd (and tests) can drive single ticks deterministically.
func (s *Scheduler) Tick(ctx context.Context) error {
	tickStart := s.opts.Clock()
	now := tickStart.UTC()
	if s.opts.Metrics != nil {
		defer func() {
			s.opts.Metrics.PollDuration.Observe(s.opts.Clock().Sub(tickStart).Seconds())
		}()
	}

	expired, err := s.opts.Leases.ExpireStale(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: expire stale leases: %w", err)
	}
	if s.opts.Metrics != nil && len(expired) > 0 {
		s.opts.Metrics.LeaseExpired.Add(float64(len(expired)))
	}
	for _, t := range expired {
		s.emit(ctx, event.TypeLeaseExpired, t, now, nil)
	}

	var gateActions []planner.Action
	if s.opts.Gate != nil {
		gateActions, err = s.opts.Gate.CheckTimeouts(ctx)
		if err != nil {
			s.opts.Logger.Warn("scheduler: gate timeout check: %v", err)
		}
	}

	tasks, err := s.opts.Store.List(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}

	var ready, backlog, inProgress []*task.Task
	allByID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		allByID[t.ID] = t
		switch t.Status {
		case task.StatusReady:
			ready = append(ready, t)
		case task.StatusBacklog:
			backlog = append(backlog, t)
		case task.StatusInProgress:
			inProgress = append(inProgress, t)
		}
	}

	graph := dependency.Build(tasks)

	if s.opts.Topo != nil {
		if _, err := s.opts.Topo.Order(tasks); err != nil {
			s.opts.Logger.Warn("scheduler: topological order: %v", err)
			s.emit(ctx, event.TypeSchedulerError, nil, now, map[string]any{"error": err.Error()})
		}
	}

	if s.opts.Throttle != nil {
		s.opts.Throttle.BeginTick()
		if s.opts.Metrics != nil {
			s.opts.Metrics.EffectiveConcurrency.Set(float64(s.opts.Throttle.EffectiveConcurrencyCap()))
		}
	}

	planResult := planner.Plan(planner.Input{
		Ready:        ready,
		Backlog:      backlog,
		InProgress:   inProgress,
		Graph:        graph,
		Throttle:     s.opts.Throttle,
		AllByID:      allByID,
		Participants: s.participants(tasks),
		Now:          now,
	})

	for _, action := range gateActions {
		s.recordNonAssignAction(ctx, action, allByID, now)
	}
	for _, action := range planResult.Actions {
		if s.opts.Metrics != nil {
			s.opts.Metrics.ActionsPlanned.WithLabelValues(string(action.Kind)).Inc()
		}
		if action.Kind == planner.KindAssign {
			continue
		}
		s.recordNonAssignAction(ctx, action, allByID, now)
	}

	var dispatchResult dispatch.Result
	if s.opts.Dispatcher != nil {
		dispatchResult = s.opts.Dispatcher.Execute(ctx, planResult.Actions)
	} else {
		dispatchResult.Reason = "no_executor"
	}
	if s.opts.Metrics != nil {
		if dispatchResult.ActionsExecuted > 0 {
			s.opts.Metrics.TasksDispatched.WithLabelValues("").Add(float64(dispatchResult.ActionsExecuted))
		}
		if dispatchResult.ActionsFailed > 0 {
			s.opts.Metrics.SpawnFailures.WithLabelValues("").Add(float64(dispatchResult.ActionsFailed))
		}
	}

	s.emit(ctx, event.TypeSchedulerPoll, nil, now, map[string]any{
		"actionsPlanned":  planResult.ActionsPlanned,
		"actionsExecuted": dispatchResult.ActionsExecuted,
		"actionsFailed":   dispatchResult.ActionsFailed,
		"reason":          dispatchResult.Reason,
		"dryRun":          s.opts.DryRun,
		"inProgress":      graph.TotalInProgress,
		"ready":           len(ready),
		"stoppedEarly":    planResult.StoppedEarly || dispatchResult.StoppedEarly,
	})

	return nil
}

func (s *Scheduler) participants(tasks []*task.Task) map[string][]string {
	if s.opts.Manifests == nil {
		return nil
	}
	seen := make(map[string]bool)
	result := make(map[string][]string)
	for _, t := range tasks {
		if seen[t.Project] {
			continue
		}
		seen[t.Project] = true
		m, err := s.opts.Manifests.Get(t.Project)
		if err != nil || m == nil || len(m.Participants) == 0 {
			continue
		}
		result[t.Project] = m.Participants
	}
	return result
}

func (s *Scheduler) recordNonAssignAction(ctx context.Context, action planner.Action, allByID map[string]*task.Task, now time.Time) {
	t, ok := allByID[action.TaskID]
	if !ok {
		return
	}

	switch action.Kind {
	case planner.KindBlock:
		if t.Status == task.StatusBlocked {
			return
		}
		if _, err := s.opts.Store.Block(ctx, t.ID, action.Reason); err != nil {
			s.opts.Logger.Warn("scheduler: blocking %s: %v", t.ID, err)
		}

	case planner.KindPromote:
		if _, err := s.opts.Store.Transition(ctx, t.ID, task.StatusReady, store.TransitionOptions{
			Actor: "scheduler", Summary: action.Reason,
		}); err != nil {
			s.opts.Logger.Warn("scheduler: promoting %s: %v", t.ID, err)
		}

	case planner.KindSLAViolation:
		s.handleSLAViolation(ctx, t, action, now)

	default: // alert, and any future non-mutating kind
		s.emit(ctx, event.TypeDispatchThrottled, t, now, map[string]any{"kind": string(action.Kind), "reason": action.Reason})
	}
}

// handleSLAViolation always records the violation itself, then applies the
// task's own SLA.OnViolation policy (defaulting to alert-only if the task
// carries no SLA, which Plan should not have surfaced in the first place).
func (s *Scheduler) handleSLAViolation(ctx context.Context, t *task.Task, action planner.Action, now time.Time) {
	s.emit(ctx, event.TypeSLAViolation, t, now, map[string]any{"reason": action.Reason})

	onViolation := task.OnViolationAlert
	if t.SLA != nil {
		onViolation = t.SLA.OnViolation
	}
	switch onViolation {
	case task.OnViolationBlock:
		if _, err := s.opts.Store.Block(ctx, t.ID, action.Reason); err != nil {
			s.opts.Logger.Warn("scheduler: blocking %s after sla violation: %v", t.ID, err)
		}
	case task.OnViolationDeadletter:
		if _, err := s.opts.Store.Transition(ctx, t.ID, task.StatusDeadletter, store.TransitionOptions{
			Actor: "scheduler", Summary: action.Reason,
		}); err != nil {
			s.opts.Logger.Warn("scheduler: deadlettering %s after sla violation: %v", t.ID, err)
		}
	}
}

func (s *Scheduler) emit(ctx context.Context, typ event.Type, t *task.Task, now time.Time, data map[string]any) {
	if s.opts.Events == nil {
		return
	}
	var taskID, project string
	if t != nil {
		taskID, project = t.ID, t.Project
	}
	if err := s.opts.Events.Append(ctx, event.New(typ, taskID, project, now, data)); err != nil {
		s.opts.Logger.Warn("scheduler: append event %s: %v", typ, err)
	}
}
