// Package gate implements the Workflow Gate Engine: a per-project,
// multi-gate review state machine layered on top of task status, with
// rejection loops, conditional skips, and timeout escalation.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/logging"
	"github.com/d0labs/aof/internal/manifest"
	"github.com/d0labs/aof/internal/planner"
	"github.com/d0labs/aof/internal/store"
	"github.com/d0labs/aof/internal/task"
)

// ManifestSource resolves a project id to its parsed manifest. The
// scheduler owns loading/reloading manifests from disk; the gate engine
// only ever reads through this port.
type ManifestSource interface {
	Get(project string) (*manifest.Manifest, error)
}

// TransitionInput is the context supplied alongside an outcome, matching
// spec.md's HandleGateTransition ctx parameter.
type TransitionInput struct {
	Agent          string
	Summary        string
	Blockers       []string
	RejectionNotes string
}

// TransitionResult reports what HandleGateTransition did, beyond the
// updated task, so callers (and tests) can assert on skipped gates.
type TransitionResult struct {
	Task         *task.Task
	SkippedGates []string
}

// Engine drives tasks through their project's workflow.
type Engine struct {
	store     store.Store
	manifests ManifestSource
	events    *event.Log
	logger    logging.Logger
	now       func() time.Time
}

// Options configures an Engine.
type Options struct {
	Manifests ManifestSource
	Events    *event.Log
	Logger    logging.Logger
	Clock     func() time.Time
}

// New returns an Engine backed by s.
func New(s store.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:     s,
		manifests: opts.Manifests,
		events:    opts.Events,
		logger:    logging.OrNop(opts.Logger),
		now:       opts.Clock,
	}
}

// HandleGateTransition is the completion API external tooling invokes when
// an agent finishes work at the task's current gate.
func (e *Engine) HandleGateTransition(ctx context.Context, taskID string, outcome task.GateOutcome, in TransitionInput) (*TransitionResult, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Gate == nil {
		return nil, task.InvariantViolation("gate-transition", taskID, fmt.Errorf("task is not participating in a workflow"))
	}
	wf, err := e.workflowFor(t)
	if err != nil {
		return nil, err
	}
	idx := wf.IndexOf(t.Gate.Current)
	if idx < 0 {
		return nil, task.InvariantViolation("gate-transition", taskID, fmt.Errorf("gate %q not found in workflow %q", t.Gate.Current, wf.Name))
	}
	current := wf.Gates[idx]

	switch outcome {
	case task.GateOutcomeComplete:
		return e.complete(ctx, t, wf, idx, in)
	case task.GateOutcomeNeedsReview:
		if !current.CanReject {
			return nil, task.InvalidTransition(taskID, t.Status, task.StatusReview)
		}
		return e.reject(ctx, t, wf, idx, in)
	case task.GateOutcomeBlocked:
		return e.block(ctx, t, current, in)
	default:
		return nil, fmt.Errorf("gate: unknown outcome %q", outcome)
	}
}

func (e *Engine) workflowFor(t *task.Task) (*manifest.Workflow, error) {
	if e.manifests == nil {
		return nil, fmt.Errorf("gate: no manifest source configured")
	}
	m, err := e.manifests.Get(t.Project)
	if err != nil {
		return nil, err
	}
	if m.Workflow == nil {
		return nil, fmt.Errorf("gate: project %q has no workflow", t.Project)
	}
	return m.Workflow, nil
}

func viewFor(t *task.Task) manifest.View {
	return manifest.View{
		Tags:     t.Tags,
		Agent:    t.Routing.Agent,
		Role:     t.Routing.Role,
		Team:     t.Routing.Team,
		Workflow: t.Routing.Workflow,
	}
}

func (e *Engine) complete(ctx context.Context, t *task.Task, wf *manifest.Workflow, idx int, in TransitionInput) (*TransitionResult, error) {
	now := e.now().UTC()
	gateID := wf.Gates[idx].ID

	var skipped []string
	nextIdx := -1
	view := viewFor(t)
	for i := idx + 1; i < len(wf.Gates); i++ {
		if wf.Gates[i].When()(view) {
			nextIdx = i
			break
		}
		skipped = append(skipped, wf.Gates[i].ID)
	}

	isLast := nextIdx < 0

	updated, err := e.store.Update(ctx, t.ID, func(tk *task.Task) error {
		entered := tk.Gate.Entered
		exited := now
		duration := exited.Sub(entered)
		outcome := task.GateOutcomeComplete
		tk.GateHistory = append(tk.GateHistory, task.GateHistoryEntry{
			Gate: gateID, Role: wf.Gates[idx].Role, Agent: in.Agent,
			Entered: entered, Exited: &exited, Outcome: &outcome,
			Summary: in.Summary, Duration: duration.String(),
		})
		tk.ReviewContext = nil
		if !isLast {
			tk.Gate.Current = wf.Gates[nextIdx].ID
			tk.Gate.Entered = now
			tk.Routing.Role = wf.Gates[nextIdx].Role
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, event.TypeGateExited, updated, now, map[string]any{"gate": gateID, "skipped": skipped})

	if isLast {
		updated, err = e.store.Transition(ctx, t.ID, task.StatusDone, store.TransitionOptions{Actor: in.Agent})
		if err != nil {
			return nil, err
		}
	} else {
		e.emit(ctx, event.TypeGateEntered, updated, now, map[string]any{"gate": updated.Gate.Current})
	}

	return &TransitionResult{Task: updated, SkippedGates: skipped}, nil
}

func (e *Engine) reject(ctx context.Context, t *task.Task, wf *manifest.Workflow, idx int, in TransitionInput) (*TransitionResult, error) {
	now := e.now().UTC()
	gateID := wf.Gates[idx].ID

	rewindIdx := 0
	if wf.RejectionStrategy == manifest.RejectionPrevious && idx > 0 {
		rewindIdx = idx - 1
	}
	target := wf.Gates[rewindIdx]

	updated, err := e.store.Update(ctx, t.ID, func(tk *task.Task) error {
		entered := tk.Gate.Entered
		exited := now
		outcome := task.GateOutcomeNeedsReview
		tk.GateHistory = append(tk.GateHistory, task.GateHistoryEntry{
			Gate: gateID, Role: wf.Gates[idx].Role, Agent: in.Agent,
			Entered: entered, Exited: &exited, Outcome: &outcome,
			Summary: in.Summary, Blockers: in.Blockers, RejectionNotes: in.RejectionNotes,
		})
		fromRole := wf.Gates[idx].Role
		tk.Gate.Current = target.ID
		tk.Gate.Entered = now
		tk.Routing.Role = target.Role
		tk.ReviewContext = &task.ReviewContext{
			FromGate: gateID, FromRole: fromRole, FromAgent: in.Agent,
			Timestamp: now, Blockers: in.Blockers, Notes: in.RejectionNotes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, event.TypeGateExited, updated, now, map[string]any{"gate": gateID, "outcome": "needs_review", "rewindTo": target.ID})

	return &TransitionResult{Task: updated}, nil
}

func (e *Engine) block(ctx context.Context, t *task.Task, current manifest.Gate, in TransitionInput) (*TransitionResult, error) {
	now := e.now().UTC()

	updated, err := e.store.Update(ctx, t.ID, func(tk *task.Task) error {
		entered := tk.Gate.Entered
		outcome := task.GateOutcomeBlocked
		tk.GateHistory = append(tk.GateHistory, task.GateHistoryEntry{
			Gate: current.ID, Role: current.Role, Agent: in.Agent,
			Entered: entered, Outcome: &outcome, Summary: in.Summary, Blockers: in.Blockers,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated, err = e.store.Transition(ctx, t.ID, task.StatusBlocked, store.TransitionOptions{Actor: in.Agent, Summary: in.Summary, Blockers: in.Blockers})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, event.TypeTaskBlocked, updated, now, map[string]any{"gate": current.ID})

	return &TransitionResult{Task: updated}, nil
}

// CheckTimeouts scans every in-progress task with an active gate whose
// timeout has elapsed, escalates its role to the gate's escalateTo, and
// returns an alert action per escalation for the scheduler to record.
func (e *Engine) CheckTimeouts(ctx context.Context) ([]planner.Action, error) {
	inProgress, err := e.store.List(ctx, store.ListFilter{Statuses: []task.Status{task.StatusInProgress}})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var actions []planner.Action

	for _, t := range inProgress {
		if t.Gate == nil {
			continue
		}
		wf, err := e.workflowFor(t)
		if err != nil {
			continue // not every project has a resolvable manifest at all times
		}
		idx := wf.IndexOf(t.Gate.Current)
		if idx < 0 {
			continue
		}
		g := wf.Gates[idx]
		timeout := g.Timeout()
		if timeout <= 0 {
			continue
		}
		age := now.Sub(t.Gate.Entered)
		if age <= timeout {
			continue
		}

		summary := fmt.Sprintf("Timeout after %s", age.Round(time.Second))
		updated, err := e.store.Update(ctx, t.ID, func(tk *task.Task) error {
			entered := tk.Gate.Entered
			outcome := task.GateOutcomeBlocked
			tk.GateHistory = append(tk.GateHistory, task.GateHistoryEntry{
				Gate: g.ID, Role: g.Role, Entered: entered, Outcome: &outcome, Summary: summary,
			})
			if g.EscalateTo != "" {
				tk.Routing.Role = g.EscalateTo
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("gate: escalating timeout for %s: %v", t.ID, err)
			continue
		}

		e.emit(ctx, event.TypeGateTimeout, updated, now, map[string]any{"gate": g.ID, "escalateTo": g.EscalateTo})
		actions = append(actions, planner.Action{
			Kind: planner.KindAlert, TaskID: t.ID, Role: g.EscalateTo,
			Reason: fmt.Sprintf("gate %q timed out, escalated to %q", g.ID, g.EscalateTo),
		})
	}

	return actions, nil
}

func (e *Engine) emit(ctx context.Context, typ event.Type, t *task.Task, now time.Time, data map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, event.New(typ, t.ID, t.Project, now, data)); err != nil {
		e.logger.Warn("gate: append event %s for %s: %v", typ, t.ID, err)
	}
}
