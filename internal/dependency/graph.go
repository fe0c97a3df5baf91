// Package dependency computes the derived relationships between tasks —
// parent/child links, dependency-blocked sets, cycles, per-team and
// per-resource occupancy — as a pure function over a task snapshot. Nothing
// here is persisted: the graph is rebuilt from the store's current List
// every scheduler tick.
package dependency

import (
	"sort"

	"github.com/d0labs/aof/internal/task"
)

// Graph is the set of derived relationships computed from one snapshot of
// tasks. All fields are read-only once returned from Build.
type Graph struct {
	// ChildrenByParent maps a task id to the subtask ids naming it as parent.
	ChildrenByParent map[string][]string
	// BlockedBySubtasks lists, for each parent, the subtask ids that are not
	// yet done and so keep the parent from being considered complete.
	BlockedBySubtasks map[string][]string
	// DependentsByTask maps a task id to the ids of tasks whose DependsOn
	// names it — i.e. the tasks unblocked once this one reaches done.
	DependentsByTask map[string][]string
	// CircularDeps lists each distinct cycle found in the dependsOn graph,
	// as the ordered sequence of task ids that form it.
	CircularDeps [][]string
	// InProgressByTeam counts in-progress tasks per team, for concurrency
	// cap enforcement by the throttle controller.
	InProgressByTeam map[string]int
	// TotalInProgress counts in-progress tasks across every team, for the
	// global concurrency cap.
	TotalInProgress int
	// OccupiedResources maps a named exclusive resource to the id of the
	// in-progress task currently holding it.
	OccupiedResources map[string]string
}

// Build computes a Graph from the current task snapshot. Pure function: the
// same input always produces the same output, with no I/O and no shared
// mutable state.
func Build(tasks []*task.Task) *Graph {
	g := &Graph{
		ChildrenByParent:  make(map[string][]string),
		BlockedBySubtasks: make(map[string][]string),
		DependentsByTask:  make(map[string][]string),
		InProgressByTeam:  make(map[string]int),
		OccupiedResources: make(map[string]string),
	}

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.ParentID != "" {
			g.ChildrenByParent[t.ParentID] = append(g.ChildrenByParent[t.ParentID], t.ID)
			if t.Status != task.StatusDone && t.Status != task.StatusCancelled {
				g.BlockedBySubtasks[t.ParentID] = append(g.BlockedBySubtasks[t.ParentID], t.ID)
			}
		}
		for _, dep := range t.DependsOn {
			g.DependentsByTask[dep] = append(g.DependentsByTask[dep], t.ID)
		}
		if t.Status == task.StatusInProgress {
			g.TotalInProgress++
			if t.Routing.Team != "" {
				g.InProgressByTeam[t.Routing.Team]++
			}
			if t.Resource != "" {
				g.OccupiedResources[t.Resource] = t.ID
			}
		}
	}

	g.CircularDeps = findCycles(byID)

	for _, slice := range [][]map[string][]string{
		{g.ChildrenByParent}, {g.BlockedBySubtasks}, {g.DependentsByTask},
	} {
		for _, m := range slice {
			for k := range m {
				sort.Strings(m[k])
			}
		}
	}

	return g
}

// findCycles returns every distinct cycle in the dependsOn graph, using a
// depth-first search with a three-color visited set so each cycle is only
// reported once regardless of which node the search starts from.
func findCycles(byID map[string]*task.Task) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var path []string
	var cycles [][]string
	seen := make(map[string]bool)

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		t := byID[id]
		if t != nil {
			deps := append([]string(nil), t.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, ok := byID[dep]; !ok {
					continue
				}
				switch color[dep] {
				case gray:
					cycle := cycleFrom(path, dep)
					key := cycleKey(cycle)
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, cycle)
					}
				case white:
					visit(dep)
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// cycleFrom extracts the portion of path starting at the first occurrence
// of target, representing the cycle target -> ... -> target.
func cycleFrom(path []string, target string) []string {
	for i, id := range path {
		if id == target {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, target)
		}
	}
	return nil
}

// cycleKey builds a rotation-independent key so the same
// cycle discovered from different start nodes is only reported once.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	body := cycle[:len(cycle)-1]
	minIdx := 0
	for i, id := range body {
		if id < body[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string(nil), body[minIdx:]...), body[:minIdx]...)
	key := ""
	for _, id := range rotated {
		key += id + ">"
	}
	return key
}
