package dependency

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/d0labs/aof/internal/task"
)

// TopoOrderer computes a topological ordering of tasks by dependsOn edges
// and caches it, since the planner re-derives the same order every poll
// tick but the underlying task set usually hasn't changed between ticks.
type TopoOrderer struct {
	cache *lru.Cache[string, []string]
}

// NewTopoOrderer returns a TopoOrderer caching up to size distinct snapshots.
func NewTopoOrderer(size int) *TopoOrderer {
	if size <= 0 {
		size = 32
	}
	cache, _ := lru.New[string, []string](size)
	return &TopoOrderer{cache: cache}
}

// Order returns task ids in an order where every task appears after all of
// its dependsOn targets (Kahn's algorithm), or an error reporting how many
// tasks could be ordered when a cycle prevents a full order. The result is cached by a signature over each task's id and
// last-mutation timestamp, so repeated calls across unchanged poll ticks
// skip recomputation.
func (o *TopoOrderer) Order(tasks []*task.Task) ([]string, error) {
	sig := signature(tasks)
	if cached, ok := o.cache.Get(sig); ok {
		return cached, nil
	}

	byID := make(map[string]*task.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				indegree[t.ID]++
			}
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				dependents[dep] = append(dependents[dep], t.ID)
			}
		}
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(byID) {
		return nil, fmt.Errorf("dependency: cycle detected, topological order covers %d of %d tasks", len(order), len(byID))
	}

	o.cache.Add(sig, order)
	return order, nil
}

func signature(tasks []*task.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, fmt.Sprintf("%s@%d", t.ID, t.UpdatedAt.UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
