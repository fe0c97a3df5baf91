package planner

import (
	"github.com/d0labs/aof/internal/dependency"
	"github.com/d0labs/aof/internal/task"
)

// PromotionEligible is the single eligibility rule for moving a backlog
// task to ready, shared between the planner's promote action (surfaced
// during a full sweep) and the standalone promote command, so the two call
// sites can never drift apart. A task is eligible once every dependsOn
// target is done, it has no active lease, none of its subtasks are still
// outstanding, it is not part of a dependency cycle, and it has a routing
// target.
func PromotionEligible(t *task.Task, g *dependency.Graph, allByID map[string]*task.Task) (bool, string) {
	if t.Status != task.StatusBacklog {
		return false, "not in backlog"
	}
	if t.HasLease() {
		return false, "has an active lease"
	}
	if blocked := g.BlockedBySubtasks[t.ID]; len(blocked) > 0 {
		return false, "has incomplete subtasks"
	}
	if inCycle(g, t.ID) {
		return false, "participates in a dependency cycle"
	}
	if !dependenciesDone(t, allByID) {
		return false, "has an incomplete dependency"
	}
	if !t.Routing.HasTarget() {
		return false, "no routing target"
	}
	return true, ""
}
