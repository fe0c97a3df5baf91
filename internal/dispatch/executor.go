// Package dispatch implements the Dispatch Executor: it carries out the
// assign actions the planner emits, acquiring leases, spawning executor
// sessions, and translating spawn outcomes back into store transitions and
// event-log entries.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/executorapi"
	"github.com/d0labs/aof/internal/lease"
	"github.com/d0labs/aof/internal/logging"
	"github.com/d0labs/aof/internal/planner"
	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
	"github.com/d0labs/aof/internal/throttle"
)

const tracerName = "aof/dispatch"

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Options configures an Executor.
type Options struct {
	Store        store.Store
	Leases       *lease.Manager
	AutoRenew    *lease.AutoRenewer
	Throttle     *throttle.Controller
	Events       *event.Log
	Executor     executorapi.Executor // nil means no_executor: Execute returns without acting (unless dry-run)
	Logger       logging.Logger
	Clock        Clock
	SpawnTimeout time.Duration
	// RenewInterval is how often the background auto-renewer renews a
	// successfully dispatched task's lease. Defaults to 5 minutes when zero.
	RenewInterval time.Duration
}

// Result summarizes one call to Execute, matching the counting rule the
// scheduler.poll event reports.
type Result struct {
	ActionsExecuted int
	ActionsFailed   int
	Reason          string // action_failed | dry_run_mode | no_executor, when applicable
	StoppedEarly    bool
}

// Executor carries out planner actions against the store, lease manager,
// and configured executorapi.Executor.
type Executor struct {
	opts     Options
	breakers map[string]*gobreaker.CircuitBreaker[*executorapi.SpawnResult]
	dryRun   bool
}

// New returns an Executor. dryRun, when true, plans but never calls Spawn —
// actions are logged as dispatch.matched with a "dryRun" marker and no
// lease is acquired.
func New(opts Options, dryRun bool) *Executor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = 2 * time.Minute
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = 5 * time.Minute
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Executor{
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*executorapi.SpawnResult]),
		dryRun:   dryRun,
	}
}

// Execute carries out every assign action in order, stopping early if a
// platform-limit failure is hit (per spec: no further dispatches this tick).
// Non-assign actions (alert/block/sla_violation/promote) are the caller's
// responsibility to record; Execute only processes KindAssign.
func (e *Executor) Execute(ctx context.Context, actions []planner.Action) Result {
	var result Result

	if e.opts.Executor == nil && !e.dryRun {
		result.Reason = "no_executor"
		return result
	}
	if e.dryRun {
		result.Reason = "dry_run_mode"
	}

	for _, action := range actions {
		if action.Kind != planner.KindAssign {
			continue
		}
		if result.StoppedEarly {
			break
		}
		e.executeOne(ctx, action, &result)
	}

	if result.ActionsFailed > 0 && result.Reason == "" {
		result.Reason = "action_failed"
	}
	return result
}

func (e *Executor) executeOne(ctx context.Context, action planner.Action, result *Result) {
	now := e.opts.Clock().UTC()

	current, err := e.opts.Store.Get(ctx, action.TaskID)
	if err != nil {
		return // disappeared since planning; nothing to do
	}
	if current.Status != task.StatusReady || current.HasLease() {
		return // already claimed by a concurrent operator
	}

	e.emit(ctx, event.TypeActionStarted, current, now, map[string]any{"agent": action.Agent, "team": action.Team})

	if e.dryRun {
		e.emit(ctx, event.TypeDispatchMatched, current, now, map[string]any{"agent": action.Agent, "dryRun": true})
		return
	}

	leased, err := e.opts.Leases.Acquire(ctx, action.TaskID, action.Agent)
	if err != nil {
		e.opts.Logger.Warn("dispatch: acquire lease for %s failed: %v", action.TaskID, err)
		return
	}

	tc := executorapi.TaskContext{
		TaskID:      leased.ID,
		Project:     leased.Project,
		Title:       leased.Title,
		Body:        leased.Body,
		Agent:       action.Agent,
		Role:        action.Role,
		Team:        action.Team,
		Workflow:    leased.Routing.Workflow,
		Resource:    leased.Resource,
		Metadata:    leased.Metadata,
		SpawnBudget: e.opts.SpawnTimeout,
	}
	if leased.Gate != nil {
		tc.GateName = leased.Gate.Current
	}

	spawnCtx, cancel := context.WithTimeout(ctx, e.opts.SpawnTimeout)
	defer cancel()

	spawnRes, err := e.spawn(spawnCtx, action, tc)
	if err != nil {
		e.handleFailure(ctx, leased, action, err, result)
		return
	}

	result.ActionsExecuted++
	e.emit(ctx, event.TypeDispatchMatched, leased, now, map[string]any{
		"agent": action.Agent, "sessionId": spawnRes.SessionID,
	})
	e.emit(ctx, event.TypeActionCompleted, leased, now, map[string]any{"success": true})

	if e.opts.AutoRenew != nil {
		e.opts.AutoRenew.Start(ctx, leased.ID, action.Agent, e.opts.RenewInterval)
	}
}

// spawn wraps executor.Spawn in an OpenTelemetry span and a per-team circuit
// breaker, so a team whose dispatches keep platform-limiting trips open and
// sheds load before the throttle controller even re-evaluates next tick.
func (e *Executor) spawn(ctx context.Context, action planner.Action, tc executorapi.TaskContext) (*executorapi.SpawnResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "aof.dispatch.spawn", trace.WithAttributes(
		attribute.String("aof.task_id", tc.TaskID),
		attribute.String("aof.agent", tc.Agent),
		attribute.String("aof.team", tc.Team),
	))
	defer span.End()

	breaker := e.breakerFor(action.Team)
	res, err := breaker.Execute(func() (*executorapi.SpawnResult, error) {
		return e.opts.Executor.Spawn(ctx, tc)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (e *Executor) breakerFor(team string) *gobreaker.CircuitBreaker[*executorapi.SpawnResult] {
	key := team
	if key == "" {
		key = "__default__"
	}
	if cb, ok := e.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*executorapi.SpawnResult](gobreaker.Settings{
		Name:        "dispatch-" + key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	e.breakers[key] = cb
	return cb
}

func (e *Executor) handleFailure(ctx context.Context, t *task.Task, action planner.Action, spawnErr error, result *Result) {
	now := e.opts.Clock().UTC()

	if executorapi.IsPlatformLimit(spawnErr) {
		if _, err := e.opts.Leases.Release(ctx, t.ID, action.Agent, task.StatusReady, store.TransitionOptions{Actor: "dispatch-executor"}); err != nil {
			e.opts.Logger.Warn("dispatch: release lease for %s after platform limit: %v", t.ID, err)
		}
		platformLimit, _ := executorapi.ParsePlatformLimit(spawnErr)
		newCap := e.opts.Throttle.TightenCap(platformLimit)
		e.emit(ctx, event.TypeConcurrencyLimit, t, now, map[string]any{
			"error": spawnErr.Error(), "newCap": newCap, "platformLimit": platformLimit,
		})
		result.StoppedEarly = true
		return
	}

	result.ActionsFailed++
	_, err := e.opts.Store.Update(ctx, t.ID, func(tk *task.Task) error {
		if tk.Metadata == nil {
			tk.Metadata = map[string]string{}
		}
		tk.Metadata["retryCount"] = fmt.Sprintf("%d", retryCount(tk)+1)
		tk.Metadata["lastBlockedAt"] = now.Format(time.RFC3339)
		tk.Metadata["lastBlockedReason"] = spawnErr.Error()
		return nil
	})
	if err != nil {
		e.opts.Logger.Warn("dispatch: recording block metadata for %s: %v", t.ID, err)
	}

	if _, err := e.opts.Store.Transition(ctx, t.ID, task.StatusBlocked, store.TransitionOptions{
		Actor: "dispatch-executor", Summary: spawnErr.Error(),
	}); err != nil {
		e.opts.Logger.Warn("dispatch: transitioning %s to blocked: %v", t.ID, err)
	}

	e.emit(ctx, event.TypeDispatchError, t, now, map[string]any{"error": spawnErr.Error()})
	e.emit(ctx, event.TypeActionCompleted, t, now, map[string]any{"success": false})
}

func retryCount(t *task.Task) int {
	if t.Metadata == nil {
		return 0
	}
	n := 0
	fmt.Sscanf(t.Metadata["retryCount"], "%d", &n)
	return n
}

func (e *Executor) emit(ctx context.Context, typ event.Type, t *task.Task, now time.Time, data map[string]any) {
	if e.opts.Events == nil {
		return
	}
	if err := e.opts.Events.Append(ctx, event.New(typ, t.ID, t.Project, now, data)); err != nil {
		e.opts.Logger.Warn("dispatch: append event %s for %s: %v", typ, t.ID, err)
	}
}
