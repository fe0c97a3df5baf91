package planner

import (
	"testing"
	"time"

	"github.com/d0labs/aof/internal/dependency"
	"github.com/d0labs/aof/internal/task"
	"github.com/d0labs/aof/internal/throttle"
)

func mustTask(id string, priority task.Priority, createdAt time.Time, routing task.Routing) *task.Task {
	return &task.Task{
		ID:        id,
		Project:   "demo",
		Status:    task.StatusReady,
		Priority:  priority,
		CreatedAt: createdAt,
		Routing:   routing,
	}
}

func byID(tasks ...*task.Task) map[string]*task.Task {
	m := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func TestPlan_OrdersByPriorityThenCreatedAtThenID(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := mustTask("z-low", task.PriorityLow, base, task.Routing{Agent: "a1"})
	highLater := mustTask("a-high-later", task.PriorityHigh, base.Add(time.Hour), task.Routing{Agent: "a1"})
	highEarlier := mustTask("b-high-earlier", task.PriorityHigh, base, task.Routing{Agent: "a1"})

	in := Input{
		Ready:    []*task.Task{low, highLater, highEarlier},
		Graph:    dependency.Build([]*task.Task{low, highLater, highEarlier}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(low, highLater, highEarlier),
		Now:      base,
	}

	result := Plan(in)
	if len(result.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d: %+v", len(result.Actions), result.Actions)
	}
	order := []string{result.Actions[0].TaskID, result.Actions[1].TaskID, result.Actions[2].TaskID}
	want := []string{"b-high-earlier", "a-high-later", "z-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestPlan_BlocksTaskInCycle(t *testing.T) {
	a := mustTask("a", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	b := mustTask("b", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	a.DependsOn = []string{"b"}
	b.DependsOn = []string{"a"}

	in := Input{
		Ready:    []*task.Task{a, b},
		Graph:    dependency.Build([]*task.Task{a, b}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(a, b),
	}

	result := Plan(in)
	for _, action := range result.Actions {
		if action.Kind != KindBlock {
			t.Fatalf("expected both tasks to be blocked by the cycle, got %+v", action)
		}
	}
}

func TestPlan_BlocksTaskWithIncompleteSubtask(t *testing.T) {
	parent := mustTask("parent", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	sub := &task.Task{ID: "sub", ParentID: "parent", Status: task.StatusInProgress}

	in := Input{
		Ready:    []*task.Task{parent},
		Graph:    dependency.Build([]*task.Task{parent, sub}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(parent, sub),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindBlock {
		t.Fatalf("expected parent blocked by incomplete subtask, got %+v", result.Actions)
	}
}

func TestPlan_BlocksTaskWithIncompleteDependency(t *testing.T) {
	dep := &task.Task{ID: "dep", Status: task.StatusInProgress}
	t1 := mustTask("t1", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	t1.DependsOn = []string{"dep"}

	in := Input{
		Ready:    []*task.Task{t1},
		Graph:    dependency.Build([]*task.Task{t1, dep}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(t1, dep),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindBlock {
		t.Fatalf("expected task blocked on incomplete dependency, got %+v", result.Actions)
	}
}

func TestPlan_SkipsTaskWithActiveLease(t *testing.T) {
	leased := mustTask("leased", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	leased.Lease = &task.Lease{Agent: "a1", ExpiresAt: time.Now().Add(time.Hour)}

	in := Input{
		Ready:    []*task.Task{leased},
		Graph:    dependency.Build([]*task.Task{leased}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(leased),
	}

	result := Plan(in)
	if len(result.Actions) != 0 {
		t.Fatalf("expected no actions for an already-leased task, got %+v", result.Actions)
	}
}

func TestPlan_AlertsWhenNoRoutingTarget(t *testing.T) {
	noRoute := mustTask("no-route", task.PriorityNormal, time.Now(), task.Routing{})

	in := Input{
		Ready:    []*task.Task{noRoute},
		Graph:    dependency.Build([]*task.Task{noRoute}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(noRoute),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindAlert {
		t.Fatalf("expected alert for missing routing target, got %+v", result.Actions)
	}
}

func TestPlan_BlocksOnOccupiedResource(t *testing.T) {
	holder := &task.Task{ID: "holder", Status: task.StatusInProgress, Resource: "db-1"}
	waiter := mustTask("waiter", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	waiter.Resource = "db-1"

	in := Input{
		Ready:    []*task.Task{waiter},
		Graph:    dependency.Build([]*task.Task{holder, waiter}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(holder, waiter),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindBlock {
		t.Fatalf("expected waiter blocked on occupied resource, got %+v", result.Actions)
	}
}

func TestPlan_AlertsWhenNotAParticipant(t *testing.T) {
	tk := mustTask("outsider", task.PriorityNormal, time.Now(), task.Routing{Agent: "stranger"})

	in := Input{
		Ready:        []*task.Task{tk},
		Graph:        dependency.Build([]*task.Task{tk}),
		Throttle:     throttle.New(throttle.Config{}),
		AllByID:      byID(tk),
		Participants: map[string][]string{"demo": {"a1", "a2"}},
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindAlert {
		t.Fatalf("expected alert for non-participant agent, got %+v", result.Actions)
	}
}

func TestPlan_GlobalThrottleDenialStopsEarly(t *testing.T) {
	a := mustTask("a", task.PriorityHigh, time.Now(), task.Routing{Agent: "a1"})
	b := mustTask("b", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})

	ctrl := throttle.New(throttle.Config{GlobalConcurrencyCap: 1})
	ctrl.BeginTick()

	// one task already in-progress puts the global cap at its limit before
	// planning even starts
	running := &task.Task{ID: "running", Status: task.StatusInProgress}

	in := Input{
		Ready:    []*task.Task{a, b},
		Graph:    dependency.Build([]*task.Task{a, b, running}),
		Throttle: ctrl,
		AllByID:  byID(a, b),
	}

	result := Plan(in)
	if !result.StoppedEarly {
		t.Fatalf("expected global concurrency cap to stop planning early, got %+v", result)
	}
	if len(result.Actions) != 0 {
		t.Fatalf("expected no actions emitted once the global cap stops planning, got %+v", result.Actions)
	}
}

func TestPlan_TeamThrottleDenialSkipsOnlyThatTask(t *testing.T) {
	infraTask := mustTask("infra-task", task.PriorityHigh, time.Now(), task.Routing{Agent: "a1", Team: "infra"})
	otherTask := mustTask("other-task", task.PriorityNormal, time.Now(), task.Routing{Agent: "a2", Team: "web"})
	running := &task.Task{ID: "running", Status: task.StatusInProgress, Routing: task.Routing{Team: "infra"}}

	ctrl := throttle.New(throttle.Config{TeamConcurrencyCap: 1})
	ctrl.BeginTick()

	in := Input{
		Ready:    []*task.Task{infraTask, otherTask},
		Graph:    dependency.Build([]*task.Task{infraTask, otherTask, running}),
		Throttle: ctrl,
		AllByID:  byID(infraTask, otherTask, running),
	}

	result := Plan(in)
	if result.StoppedEarly {
		t.Fatalf("team-scoped denial should not stop planning early, got %+v", result)
	}
	if len(result.Actions) != 1 || result.Actions[0].TaskID != "other-task" || result.Actions[0].Kind != KindAssign {
		t.Fatalf("expected only other-task assigned, got %+v", result.Actions)
	}
}

func TestPlan_AssignsEligibleTask(t *testing.T) {
	tk := mustTask("ready-one", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1", Role: "implementer", Team: "infra"})

	in := Input{
		Ready:    []*task.Task{tk},
		Graph:    dependency.Build([]*task.Task{tk}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(tk),
	}

	result := Plan(in)
	if len(result.Actions) != 1 {
		t.Fatalf("expected exactly 1 action, got %+v", result.Actions)
	}
	action := result.Actions[0]
	if action.Kind != KindAssign || action.Agent != "a1" || action.Role != "implementer" || action.Team != "infra" {
		t.Fatalf("unexpected assign action: %+v", action)
	}
}

func TestPromotionEligible_RejectsNonBacklog(t *testing.T) {
	tk := mustTask("ready-one", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	tk.Status = task.StatusReady

	g := dependency.Build([]*task.Task{tk})
	ok, reason := PromotionEligible(tk, g, byID(tk))
	if ok {
		t.Fatalf("expected not eligible, got ok with reason %q", reason)
	}
}

func TestPromotionEligible_RejectsIncompleteDependency(t *testing.T) {
	dep := &task.Task{ID: "dep", Status: task.StatusInProgress}
	tk := mustTask("backlog-one", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	tk.Status = task.StatusBacklog
	tk.DependsOn = []string{"dep"}

	g := dependency.Build([]*task.Task{tk, dep})
	ok, reason := PromotionEligible(tk, g, byID(tk, dep))
	if ok {
		t.Fatalf("expected not eligible due to incomplete dependency, got ok")
	}
	if reason == "" {
		t.Fatalf("expected a reason for ineligibility")
	}
}

func TestPromotionEligible_AllowsWhenEverythingSatisfied(t *testing.T) {
	dep := &task.Task{ID: "dep", Status: task.StatusDone}
	tk := mustTask("backlog-one", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	tk.Status = task.StatusBacklog
	tk.DependsOn = []string{"dep"}

	g := dependency.Build([]*task.Task{tk, dep})
	ok, reason := PromotionEligible(tk, g, byID(tk, dep))
	if !ok {
		t.Fatalf("expected eligible, got reason %q", reason)
	}
}

func TestPlan_SweepsEligibleBacklogTaskIntoPromote(t *testing.T) {
	tk := mustTask("backlog-one", task.PriorityNormal, time.Now(), task.Routing{Agent: "a1"})
	tk.Status = task.StatusBacklog

	in := Input{
		Backlog:  []*task.Task{tk},
		Graph:    dependency.Build([]*task.Task{tk}),
		Throttle: throttle.New(throttle.Config{}),
		AllByID:  byID(tk),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindPromote || result.Actions[0].TaskID != "backlog-one" {
		t.Fatalf("expected a promote action for the eligible backlog task, got %+v", result.Actions)
	}
}

func TestPlan_SweepsInProgressTaskPastSLAIntoViolation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &task.Task{
		ID: "running", Status: task.StatusInProgress,
		LastTransitionAt: base,
		SLA:              &task.SLA{MaxInProgressMs: 1000, OnViolation: task.OnViolationBlock},
	}

	in := Input{
		InProgress: []*task.Task{tk},
		Graph:      dependency.Build([]*task.Task{tk}),
		Throttle:   throttle.New(throttle.Config{}),
		AllByID:    byID(tk),
		Now:        base.Add(2 * time.Second),
	}

	result := Plan(in)
	if len(result.Actions) != 1 || result.Actions[0].Kind != KindSLAViolation || result.Actions[0].TaskID != "running" {
		t.Fatalf("expected an sla_violation action, got %+v", result.Actions)
	}
}

func TestPlan_DoesNotFlagInProgressTaskWithinSLA(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &task.Task{
		ID: "running", Status: task.StatusInProgress,
		LastTransitionAt: base,
		SLA:              &task.SLA{MaxInProgressMs: 60_000, OnViolation: task.OnViolationAlert},
	}

	in := Input{
		InProgress: []*task.Task{tk},
		Graph:      dependency.Build([]*task.Task{tk}),
		Throttle:   throttle.New(throttle.Config{}),
		AllByID:    byID(tk),
		Now:        base.Add(2 * time.Second),
	}

	result := Plan(in)
	if len(result.Actions) != 0 {
		t.Fatalf("expected no sla action within budget, got %+v", result.Actions)
	}
}
