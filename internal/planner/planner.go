// Package planner implements the Dispatch Planner: given the set of ready
// tasks, the dependency analyzer's graph, and the throttle controller's
// state, it produces a typed, ordered list of actions for the dispatch
// executor to carry out. The planner never mutates the store or spawns
// anything itself — it only decides.
package planner

import (
	"sort"
	"time"

	"github.com/d0labs/aof/internal/dependency"
	"github.com/d0labs/aof/internal/task"
	"github.com/d0labs/aof/internal/throttle"
)

// Kind is the type of action the planner emits.
type Kind string

const (
	KindAssign       Kind = "assign"
	KindAlert        Kind = "alert"
	KindBlock        Kind = "block"
	KindSLAViolation Kind = "sla_violation"
	KindPromote      Kind = "promote"
)

// Action is one planned step for the dispatch executor (or, for alert/
// block/sla_violation, something the scheduler records directly).
type Action struct {
	Kind   Kind
	TaskID string
	Agent  string
	Role   string
	Team   string
	Reason string
}

// Input bundles everything Plan needs for one poll tick.
type Input struct {
	Ready []*task.Task
	// Backlog is swept for promotion eligibility (see PromotionEligible)
	// ahead of the ready-task assignment loop.
	Backlog []*task.Task
	// InProgress is swept for SLA.MaxInProgressMs violations ahead of the
	// ready-task assignment loop.
	InProgress []*task.Task
	Graph      *dependency.Graph
	Throttle   *throttle.Controller
	// AllByID is every task in the current snapshot (any status), keyed by
	// id, used to resolve whether dependsOn targets are done.
	AllByID      map[string]*task.Task
	Participants map[string][]string // project -> allowed participant agents/roles, if the manifest restricts them
	Now          time.Time
}

// Result is the planner's output plus the counters the scheduler.poll event
// reports.
type Result struct {
	Actions        []Action
	ActionsPlanned int
	StoppedEarly   bool
	StopReason     string
}

// Plan orders in.Ready by (priority desc, createdAt asc, id asc), then
// evaluates each against the eligibility filter in turn, consulting the
// throttle controller for every candidate assign. A global denial (dispatch
// interval, global concurrency cap, or per-tick cap) stops planning
// immediately (break, not continue); a team-scoped denial skips the task
// without emitting an action and planning continues.
func Plan(in Input) Result {
	ordered := append([]*task.Task(nil), in.Ready...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var result Result

	for _, action := range sweepPromotions(in) {
		result.ActionsPlanned++
		result.Actions = append(result.Actions, action)
	}
	for _, action := range sweepSLA(in) {
		result.ActionsPlanned++
		result.Actions = append(result.Actions, action)
	}

	for _, t := range ordered {
		result.ActionsPlanned++

		if inCycle(in.Graph, t.ID) {
			result.Actions = append(result.Actions, Action{Kind: KindBlock, TaskID: t.ID, Reason: "participates in a dependency cycle"})
			continue
		}
		if blocked := in.Graph.BlockedBySubtasks[t.ID]; len(blocked) > 0 {
			result.Actions = append(result.Actions, Action{Kind: KindBlock, TaskID: t.ID, Reason: "has incomplete subtasks"})
			continue
		}
		if !dependenciesDone(t, in.AllByID) {
			result.Actions = append(result.Actions, Action{Kind: KindBlock, TaskID: t.ID, Reason: "has an incomplete dependency"})
			continue
		}
		if t.HasLease() {
			continue // already claimed; nothing for the planner to do
		}
		if t.Resource != "" {
			if holder, occupied := in.Graph.OccupiedResources[t.Resource]; occupied && holder != t.ID {
				result.Actions = append(result.Actions, Action{Kind: KindBlock, TaskID: t.ID, Reason: "resource " + t.Resource + " is occupied"})
				continue
			}
		}

		agent, role, team, ok := resolveTarget(t)
		if !ok {
			result.Actions = append(result.Actions, Action{Kind: KindAlert, TaskID: t.ID, Reason: "no routing target (agent/role/team)"})
			continue
		}
		if allowed, ok := in.Participants[t.Project]; ok && len(allowed) > 0 && !contains(allowed, agent) && !contains(allowed, role) {
			result.Actions = append(result.Actions, Action{Kind: KindAlert, TaskID: t.ID, Reason: "not a participant"})
			continue
		}

		decision := in.Throttle.Allow(team, in.Graph.TotalInProgress, in.Graph.InProgressByTeam[team])
		if !decision.Allowed {
			if decision.Reason == "global dispatch interval not yet elapsed" || decision.Reason == "global concurrency cap reached" || decision.Reason == "per-tick dispatch cap reached" {
				result.StoppedEarly = true
				result.StopReason = decision.Reason
				break
			}
			continue // team-scoped denial: skip this task, keep planning others
		}

		result.Actions = append(result.Actions, Action{Kind: KindAssign, TaskID: t.ID, Agent: agent, Role: role, Team: team})
	}

	return result
}

func inCycle(g *dependency.Graph, id string) bool {
	for _, cycle := range g.CircularDeps {
		for _, member := range cycle {
			if member == id {
				return true
			}
		}
	}
	return false
}

func dependenciesDone(t *task.Task, byID map[string]*task.Task) bool {
	for _, dep := range t.DependsOn {
		depTask, ok := byID[dep]
		if !ok || depTask.Status != task.StatusDone {
			return false
		}
	}
	return true
}

func resolveTarget(t *task.Task) (agent, role, team string, ok bool) {
	switch {
	case t.Routing.Agent != "":
		return t.Routing.Agent, t.Routing.Role, t.Routing.Team, true
	case t.Routing.Role != "":
		return "", t.Routing.Role, t.Routing.Team, true
	case t.Routing.Team != "":
		return "", "", t.Routing.Team, true
	default:
		return "", "", "", false
	}
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
