// Package store implements the Task Store: the single durable source of
// truth for task records, laid out as a content-addressed, directory-
// partitioned filesystem tree where a task's status is encoded structurally
// by which directory its record lives in. All state transitions happen via
// atomic rename, so a crash mid-write can never leave a task split across
// two statuses.
package store

import (
	"context"
	"time"

	"github.com/d0labs/aof/internal/task"
)

// ListFilter narrows List to a subset of tasks. Zero value matches everything.
type ListFilter struct {
	Project  string
	Statuses []task.Status
	Team     string
	Agent    string
	Role     string
}

func (f ListFilter) matches(t *task.Task) bool {
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if f.Team != "" && t.Routing.Team != f.Team {
		return false
	}
	if f.Agent != "" && t.Routing.Agent != f.Agent {
		return false
	}
	if f.Role != "" && t.Routing.Role != f.Role {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// TransitionOptions customizes a Transition call.
type TransitionOptions struct {
	// Actor identifies who/what requested the transition, for gate history.
	Actor string
	// GateOutcome, when set, appends a gate history entry as part of the
	// same atomic move (used when a gate-driven transition also closes out
	// the current gate).
	GateOutcome *task.GateOutcome
	Summary     string
	Blockers    []string
}

// LintIssue is one structural problem Lint found in the on-disk tree: a
// record in the wrong directory for its status, a dangling dependency, an
// orphaned lease, etc.
type LintIssue struct {
	TaskID string
	Reason string
}

// Store is the Task Store port. Every method is safe for concurrent use
// from multiple goroutines within one process; cross-process safety relies
// on atomic rename semantics of the underlying filesystem.
type Store interface {
	// Create persists a new task, assigning it an ID if t.ID is empty.
	Create(ctx context.Context, t *task.Task) (*task.Task, error)

	// Get retrieves a task by its exact ID.
	Get(ctx context.Context, id string) (*task.Task, error)

	// GetByPrefix resolves a (possibly abbreviated) ID prefix to exactly one
	// task. Returns an Ambiguous error if more than one task matches.
	GetByPrefix(ctx context.Context, prefix string) (*task.Task, error)

	// List returns every task matching filter, newest-updated first.
	List(ctx context.Context, filter ListFilter) ([]*task.Task, error)

	// Transition moves a task from its current status to to, validating
	// against the transition matrix, and persists the move as a single
	// atomic rename.
	Transition(ctx context.Context, id string, to task.Status, opts TransitionOptions) (*task.Task, error)

	// UpdateBody replaces a task's body text and recomputes its content hash.
	UpdateBody(ctx context.Context, id string, body string) (*task.Task, error)

	// Update applies mutate to a clone of the current record and persists
	// the result in place (no status change). mutate must not change Status
	// or ID; use Transition for status changes.
	Update(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error)

	// AddDep records that id depends on dependsOn, rejecting the edge if it
	// would introduce a cycle or a self-dependency.
	AddDep(ctx context.Context, id, dependsOn string) error

	// RemoveDep removes a dependsOn edge from id, if present.
	RemoveDep(ctx context.Context, id, dependsOn string) error

	// Block moves a non-terminal task to blocked, recording reason.
	Block(ctx context.Context, id, reason string) (*task.Task, error)

	// Unblock returns a blocked task to ready, clearing any stale lease.
	Unblock(ctx context.Context, id string) (*task.Task, error)

	// Cancel moves a non-terminal task to cancelled, recording reason.
	Cancel(ctx context.Context, id, reason string) (*task.Task, error)

	// CloseTask closes a non-terminal task directly to done.
	CloseTask(ctx context.Context, id string) (*task.Task, error)

	// Lint scans the on-disk tree for structural inconsistencies without
	// modifying anything.
	Lint(ctx context.Context) ([]LintIssue, error)

	// Close releases any resources held by the store.
	Close() error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time
