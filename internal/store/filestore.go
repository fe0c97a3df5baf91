package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/d0labs/aof/internal/event"
	"github.com/d0labs/aof/internal/infra/filestore"
	"github.com/d0labs/aof/internal/logging"
	"github.com/d0labs/aof/internal/task"
)

var allStatuses = []task.Status{
	task.StatusBacklog, task.StatusReady, task.StatusInProgress, task.StatusBlocked,
	task.StatusReview, task.StatusDone, task.StatusCancelled, task.StatusDeadletter,
}

// FileStore is the filesystem-backed Store implementation. Each task is one
// record at {root}/tasks/{status}/{id}.md; a transition is an atomic rename
// from the old status directory to the new one, so a task is never visible
// under two statuses at once, even across a crash.
//
// Companion work directories (inputs/work/outputs/subtasks) live as a
// sibling of the record, at {root}/tasks/{status}/{id}/, and are
// best-effort renamed alongside the record on every transition.
type FileStore struct {
	root   string
	now    Clock
	events *event.Log
	logger logging.Logger
	mu     sync.RWMutex
}

// NewFileStore returns a FileStore rooted at root. The directory tree is
// created lazily as tasks are written. events may be nil, in which case
// mutations are silent (used by tests that don't care about the log);
// logger may be nil, in which case it defaults to a no-op.
func NewFileStore(root string, now Clock, events *event.Log, logger logging.Logger) *FileStore {
	if now == nil {
		now = time.Now
	}
	return &FileStore{root: root, now: now, events: events, logger: logging.OrNop(logger)}
}

func (s *FileStore) taskPath(status task.Status, id string) string {
	return filepath.Join(s.root, "tasks", string(status), id+".md")
}

// artifactsDir is the companion work directory for id under status, a
// sibling of its record file.
func (s *FileStore) artifactsDir(status task.Status, id string) string {
	return filepath.Join(s.root, "tasks", string(status), id)
}

// Create assigns an id if t.ID is empty, stamps timestamps, and writes the
// initial record to the backlog directory (or t.Status, if already set).
func (s *FileStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	clone := t.Clone()

	if clone.ID == "" {
		id, err := nextID(s.root, now)
		if err != nil {
			return nil, fmt.Errorf("store: create: %w", err)
		}
		clone.ID = id
	} else if _, err := s.findLocked(clone.ID); err == nil {
		return nil, task.InvariantViolation("create", clone.ID, fmt.Errorf("task already exists"))
	}

	if clone.Status == "" {
		clone.Status = task.StatusBacklog
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("store: create: invalid status %q", clone.Status)
	}
	if clone.Priority == "" {
		clone.Priority = task.PriorityNormal
	}
	if clone.SchemaVersion == 0 {
		clone.SchemaVersion = task.CurrentSchemaVersion
	}
	clone.CreatedAt = now
	clone.UpdatedAt = now
	clone.LastTransitionAt = now
	clone.RecomputeContentHash()

	for _, dep := range clone.DependsOn {
		if dep == clone.ID {
			return nil, task.InvariantViolation("create", clone.ID, fmt.Errorf("task cannot depend on itself"))
		}
	}

	if err := s.writeLocked(clone); err != nil {
		return nil, err
	}
	for _, dir := range []string{"inputs", "work", "outputs", "subtasks"} {
		_ = filestore.EnsureDir(filepath.Join(s.artifactsDir(clone.Status, clone.ID), dir))
	}

	s.emit(ctx, event.TypeTaskCreated, clone, now, map[string]any{"status": string(clone.Status)})
	return clone.Clone(), nil
}

func (s *FileStore) writeLocked(t *task.Task) error {
	data, err := task.RenderRecord(t)
	if err != nil {
		return fmt.Errorf("store: render %s: %w", t.ID, err)
	}
	path := s.taskPath(t.Status, t.ID)
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", t.ID, err)
	}
	return nil
}

// findLocked returns the task and the path it was read from. Caller must
// hold at least a read lock.
func (s *FileStore) findLocked(id string) (*task.Task, error) {
	for _, status := range allStatuses {
		path := s.taskPath(status, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("store: read %s: %w", id, err)
		}
		t, err := task.ParseRecord(data)
		if err != nil {
			return nil, task.Parse(path, err)
		}
		return t, nil
	}
	return nil, task.NotFound("get", id)
}

// Get retrieves a task by its exact ID.
func (s *FileStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByPrefix resolves an abbreviated id to exactly one task.
func (s *FileStore) GetByPrefix(ctx context.Context, prefix string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.listAllLocked(ctx)
	if err != nil {
		return nil, err
	}

	var match *task.Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, prefix) {
			if match != nil {
				return nil, task.Ambiguous("get_by_prefix", prefix)
			}
			match = t
		}
	}
	if match == nil {
		return nil, task.NotFound("get_by_prefix", prefix)
	}
	return match, nil
}

// listAllLocked reads every record across every status directory. A record
// that fails to parse is logged to stderr and reported as
// task.validation.failed, then skipped — it must not abort the whole scan.
func (s *FileStore) listAllLocked(ctx context.Context) ([]*task.Task, error) {
	var out []*task.Task
	for _, status := range allStatuses {
		dir := filepath.Join(s.root, "tasks", string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("store: readdir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			t, err := task.ParseRecord(data)
			if err != nil {
				s.logger.Error("store: malformed record %s: %v", path, err)
				s.emit(ctx, event.TypeTaskValidationFailed, nil, s.now().UTC(), map[string]any{
					"path": path, "error": err.Error(),
				})
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// List returns every task matching filter, newest-updated first.
func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.listAllLocked(ctx)
	if err != nil {
		return nil, err
	}

	var out []*task.Task
	for _, t := range all {
		if filter.matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Transition moves a task to a new status via validated atomic rename.
func (s *FileStore) Transition(ctx context.Context, id string, to task.Status, opts TransitionOptions) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("store: transition %s: invalid target status %q", id, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, t, to, opts)
}

// transitionLocked performs the validated move and event emission; the
// caller must already hold s.mu and have resolved t via findLocked.
func (s *FileStore) transitionLocked(ctx context.Context, t *task.Task, to task.Status, opts TransitionOptions) (*task.Task, error) {
	id := t.ID
	from := t.Status
	if from.IsTerminal() && from != to {
		return nil, task.Terminal("transition", id, from)
	}
	if !task.CanTransition(from, to) {
		return nil, task.InvalidTransition(id, from, to)
	}

	now := s.now().UTC()
	oldPath := s.taskPath(from, id)

	t.Status = to
	t.UpdatedAt = now
	if from != to {
		t.LastTransitionAt = now
	}

	if to != task.StatusInProgress {
		t.Lease = nil
	}

	if opts.GateOutcome != nil && t.Gate != nil {
		outcome := *opts.GateOutcome
		exited := now
		entry := task.GateHistoryEntry{
			Gate:     t.Gate.Current,
			Agent:    opts.Actor,
			Entered:  t.Gate.Entered,
			Exited:   &exited,
			Outcome:  &outcome,
			Summary:  opts.Summary,
			Blockers: opts.Blockers,
			Duration: now.Sub(t.Gate.Entered).String(),
		}
		t.GateHistory = append(t.GateHistory, entry)
	}

	data, err := task.RenderRecord(t)
	if err != nil {
		return nil, fmt.Errorf("store: render %s: %w", id, err)
	}
	if err := filestore.AtomicWrite(oldPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("store: write %s: %w", id, err)
	}
	if from != to {
		newPath := s.taskPath(to, id)
		if err := filestore.EnsureParentDir(newPath); err != nil {
			return nil, fmt.Errorf("store: ensure dir for %s: %w", id, err)
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			return nil, fmt.Errorf("store: rename %s into %s: %w", id, to, err)
		}
		oldCompanion := s.artifactsDir(from, id)
		newCompanion := s.artifactsDir(to, id)
		if _, statErr := os.Stat(oldCompanion); statErr == nil {
			if err := os.Rename(oldCompanion, newCompanion); err != nil {
				s.logger.Warn("store: best-effort rename companion dir for %s: %v", id, err)
			}
		}
	}

	s.emit(ctx, event.TypeTaskTransitioned, t, now, map[string]any{
		"from": string(from), "to": string(to), "reason": opts.Summary,
	})
	if to == task.StatusInProgress && opts.Actor != "" {
		s.emit(ctx, event.TypeTaskAssigned, t, now, map[string]any{"agent": opts.Actor})
	}
	if to == task.StatusDone {
		s.emit(ctx, event.TypeTaskCompleted, t, now, nil)
	}

	return t.Clone(), nil
}

// Block moves a non-terminal task to blocked, recording reason in metadata
// and clearing any lease (Transition already clears leases on any move away
// from in-progress).
func (s *FileStore) Block(ctx context.Context, id, reason string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, task.Terminal("block", id, t.Status)
	}

	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata["blockReason"] = reason

	moved, err := s.transitionLocked(ctx, t, task.StatusBlocked, TransitionOptions{Actor: "operator", Summary: reason})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, event.TypeTaskBlocked, moved, s.now().UTC(), map[string]any{"reason": reason})
	return moved, nil
}

// Unblock returns a blocked task to ready, clearing the block reason and
// any stale lease — leases must not survive unblock.
func (s *FileStore) Unblock(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusBlocked {
		return nil, task.InvalidTransition(id, t.Status, task.StatusReady)
	}

	t.Lease = nil
	delete(t.Metadata, "blockReason")

	moved, err := s.transitionLocked(ctx, t, task.StatusReady, TransitionOptions{Actor: "operator"})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, event.TypeTaskUnblocked, moved, s.now().UTC(), nil)
	return moved, nil
}

// Cancel transitions a non-terminal task to cancelled, recording reason.
func (s *FileStore) Cancel(ctx context.Context, id, reason string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, task.Terminal("cancel", id, t.Status)
	}

	if reason != "" {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["cancelReason"] = reason
	}

	moved, err := s.transitionLocked(ctx, t, task.StatusCancelled, TransitionOptions{Actor: "operator", Summary: reason})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, event.TypeTaskCancelled, moved, s.now().UTC(), map[string]any{"reason": reason})
	return moved, nil
}

// CloseTask closes out a non-terminal task directly to done — the short
// path the transition matrix carves out alongside the usual review -> done
// workflow exit.
func (s *FileStore) CloseTask(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, task.Terminal("close", id, t.Status)
	}

	return s.transitionLocked(ctx, t, task.StatusDone, TransitionOptions{Actor: "operator"})
}

// UpdateBody replaces a task's body and recomputes its content hash.
func (s *FileStore) UpdateBody(ctx context.Context, id string, body string) (*task.Task, error) {
	return s.Update(ctx, id, func(t *task.Task) error {
		t.Body = body
		t.RecomputeContentHash()
		return nil
	})
}

// Update applies mutate to the current record and persists the result in
// place. mutate must not change Status or ID.
func (s *FileStore) Update(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, task.Terminal("update", id, t.Status)
	}

	origStatus, origID := t.Status, t.ID
	if err := mutate(t); err != nil {
		return nil, err
	}
	if t.Status != origStatus || t.ID != origID {
		return nil, fmt.Errorf("store: update %s: mutate must not change status or id", id)
	}

	now := s.now().UTC()
	t.UpdatedAt = now
	if err := s.writeLocked(t); err != nil {
		return nil, err
	}
	s.emit(ctx, event.TypeTaskUpdated, t, now, nil)
	return t.Clone(), nil
}

// AddDep records that id depends on dependsOn, rejecting self-deps and
// cycles via a depth-first search over the current dependency graph plus
// the proposed edge.
func (s *FileStore) AddDep(ctx context.Context, id, dependsOn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == dependsOn {
		return task.InvariantViolation("add_dep", id, fmt.Errorf("task cannot depend on itself"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return err
	}
	if _, err := s.findLocked(dependsOn); err != nil {
		return err
	}

	for _, existing := range t.DependsOn {
		if existing == dependsOn {
			return nil // idempotent
		}
	}

	all, err := s.listAllLocked(ctx)
	if err != nil {
		return err
	}
	graph := make(map[string][]string, len(all))
	for _, other := range all {
		graph[other.ID] = other.DependsOn
	}
	graph[id] = append(append([]string(nil), t.DependsOn...), dependsOn)

	if hasCycleFrom(graph, id) {
		return task.InvariantViolation("add_dep", id, fmt.Errorf("adding dependency on %s introduces a cycle", dependsOn))
	}

	t.DependsOn = append(t.DependsOn, dependsOn)
	now := s.now().UTC()
	t.UpdatedAt = now
	if err := s.writeLocked(t); err != nil {
		return err
	}
	s.emit(ctx, event.TypeDepAdded, t, now, map[string]any{"dependsOn": dependsOn})
	return nil
}

// RemoveDep removes a dependsOn edge from id, if present.
func (s *FileStore) RemoveDep(ctx context.Context, id, dependsOn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findLocked(id)
	if err != nil {
		return err
	}

	before := len(t.DependsOn)
	filtered := t.DependsOn[:0]
	for _, d := range t.DependsOn {
		if d != dependsOn {
			filtered = append(filtered, d)
		}
	}
	t.DependsOn = filtered
	if len(filtered) == before {
		return nil // nothing removed; idempotent no-op
	}

	now := s.now().UTC()
	t.UpdatedAt = now
	if err := s.writeLocked(t); err != nil {
		return err
	}
	s.emit(ctx, event.TypeDepRemoved, t, now, map[string]any{"dependsOn": dependsOn})
	return nil
}

// hasCycleFrom reports whether a depth-first walk starting at start
// revisits a node already on the current path.
func hasCycleFrom(graph map[string][]string, start string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range graph[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	return visit(start)
}

// Lint scans the on-disk tree for structural inconsistencies: records
// parked under the wrong status directory, dependency edges pointing at
// tasks that no longer exist, leases left on non-in-progress tasks,
// content hashes that no longer match their body (an out-of-band edit),
// and companion directories orphaned from their task's current status.
func (s *FileStore) Lint(ctx context.Context) ([]LintIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []LintIssue
	byID := make(map[string]*task.Task)

	for _, status := range allStatuses {
		dir := filepath.Join(s.root, "tasks", string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			t, err := task.ParseRecord(data)
			if err != nil {
				issues = append(issues, LintIssue{TaskID: entry.Name(), Reason: "unparseable record: " + err.Error()})
				continue
			}
			if t.Status != status {
				issues = append(issues, LintIssue{TaskID: t.ID, Reason: fmt.Sprintf("stored under %s but status field says %s", status, t.Status)})
			}
			if t.Lease != nil && t.Status != task.StatusInProgress {
				issues = append(issues, LintIssue{TaskID: t.ID, Reason: "has a lease but status is not in-progress"})
			}
			if t.ContentHash != "" && t.ContentHash != task.ComputeContentHash(t.Body) {
				issues = append(issues, LintIssue{TaskID: t.ID, Reason: "contentHash does not match body: out-of-band edit"})
			}
			byID[t.ID] = t
		}
	}

	for _, t := range byID {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				issues = append(issues, LintIssue{TaskID: t.ID, Reason: "depends on missing task " + dep})
			}
		}
	}

	for _, status := range allStatuses {
		dir := filepath.Join(s.root, "tasks", string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := entry.Name()
			t, ok := byID[id]
			switch {
			case !ok:
				issues = append(issues, LintIssue{TaskID: id, Reason: "companion directory has no matching task record"})
			case t.Status != status:
				issues = append(issues, LintIssue{TaskID: id, Reason: fmt.Sprintf("companion directory under %s but task status is %s", status, t.Status)})
			}
		}
	}

	return issues, nil
}

// Close is a no-op: FileStore holds no persistent file handles between calls.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) emit(ctx context.Context, typ event.Type, t *task.Task, now time.Time, data map[string]any) {
	if s.events == nil {
		return
	}
	var taskID, project string
	if t != nil {
		taskID, project = t.ID, t.Project
	}
	if err := s.events.Append(ctx, event.New(typ, taskID, project, now, data)); err != nil {
		s.logger.Warn("store: append event %s: %v", typ, err)
	}
}

var _ Store = (*FileStore)(nil)
