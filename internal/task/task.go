// Package task defines the unified task domain model owned by the store.
//
// A Task is the single persisted record the rest of AOF operates on: the
// store mutates it, the lease manager annotates it, the gate engine walks
// its workflow pointer, and the planner reads it to decide what to do
// next. Nothing outside this package constructs a Task directly in
// production code — it always comes from the store.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLTime wraps time.Time so zero values round-trip through yaml.v3 as an
// empty scalar instead of "0001-01-01T00:00:00Z", matching how the on-disk
// records actually look for fields not yet populated.
type YAMLTime struct {
	time.Time
}

func (t YAMLTime) MarshalYAML() (interface{}, error) {
	if t.IsZero() {
		return "", nil
	}
	return t.Time.Format(time.RFC3339Nano), nil
}

func (t *YAMLTime) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Status is the lifecycle state of a task. Status doubles as the name of
// the directory partition a task's record lives under.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeadletter Status = "deadletter"
)

// IsTerminal reports whether a status has no further outgoing transitions
// except resurrection.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusDeadletter:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the eight recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusBlocked,
		StatusReview, StatusDone, StatusCancelled, StatusDeadletter:
		return true
	default:
		return false
	}
}

// Priority orders ready tasks for dispatch; higher values dispatch first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns an integer ordering for priority comparisons, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1 // unknown priorities sort as normal
	}
}

// OnViolation names how an SLA breach should be handled by the scheduler.
type OnViolation string

const (
	OnViolationAlert      OnViolation = "alert"
	OnViolationBlock      OnViolation = "block"
	OnViolationDeadletter OnViolation = "deadletter"
)

// Lease is an exclusive, time-bounded hold on an in-progress task,
// identifying the agent executing it. Present iff Status == in-progress (I2).
type Lease struct {
	Agent      string    `yaml:"agent" json:"agent"`
	AcquiredAt time.Time `yaml:"acquiredAt" json:"acquiredAt"`
	ExpiresAt  time.Time `yaml:"expiresAt" json:"expiresAt"`
	RenewCount int       `yaml:"renewCount" json:"renewCount"`
}

// Expired reports whether the lease's expiry has passed as of now.
func (l *Lease) Expired(now time.Time) bool {
	return l != nil && !l.ExpiresAt.After(now)
}

// GateOutcome is the result an implementer/reviewer reports for a gate.
type GateOutcome string

const (
	GateOutcomeComplete     GateOutcome = "complete"
	GateOutcomeNeedsReview  GateOutcome = "needs_review"
	GateOutcomeBlocked      GateOutcome = "blocked"
)

// GateHistoryEntry is one append-only record of a gate entry/exit (I5).
type GateHistoryEntry struct {
	Gate           string       `yaml:"gate" json:"gate"`
	Role           string       `yaml:"role" json:"role"`
	Agent          string       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Entered        time.Time    `yaml:"entered" json:"entered"`
	Exited         *time.Time   `yaml:"exited,omitempty" json:"exited,omitempty"`
	Outcome        *GateOutcome `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Summary        string       `yaml:"summary,omitempty" json:"summary,omitempty"`
	Blockers       []string     `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	RejectionNotes string       `yaml:"rejectionNotes,omitempty" json:"rejectionNotes,omitempty"`
	Duration       string       `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// ReviewContext carries the blockers and notes from a rejection back to
// whoever picks the task up at the rewind target. Cleared on next advance.
type ReviewContext struct {
	FromGate  string    `yaml:"fromGate" json:"fromGate"`
	FromRole  string    `yaml:"fromRole" json:"fromRole"`
	FromAgent string    `yaml:"fromAgent,omitempty" json:"fromAgent,omitempty"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Blockers  []string  `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	Notes     string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// GateState is a task's position within a workflow.
type GateState struct {
	Current string `yaml:"current" json:"current"`
	Entered time.Time `yaml:"entered" json:"entered"`
}

// SLA defines the budget a task is allowed to stay in-progress before a
// violation is raised.
type SLA struct {
	MaxInProgressMs int64       `yaml:"maxInProgressMs" json:"maxInProgressMs"`
	OnViolation     OnViolation `yaml:"onViolation" json:"onViolation"`
}

// Routing names where the planner should send a task.
type Routing struct {
	Agent    string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
	Team     string `yaml:"team,omitempty" json:"team,omitempty"`
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

// HasTarget reports whether routing names any of agent/role/team.
func (r Routing) HasTarget() bool {
	return r.Agent != "" || r.Role != "" || r.Team != ""
}

// Task is the full persisted record for a unit of work.
type Task struct {
	ID            string   `yaml:"id" json:"id"`
	Project       string   `yaml:"project" json:"project"`
	SchemaVersion int      `yaml:"schemaVersion" json:"schemaVersion"`

	Title string   `yaml:"title" json:"title"`
	Body  string   `yaml:"-" json:"-"` // stored separately, below the frontmatter fence
	Priority Priority `yaml:"priority" json:"priority"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	Status Status `yaml:"status" json:"status"`

	Routing Routing `yaml:",inline" json:"routing"`

	Lease *Lease `yaml:"lease,omitempty" json:"lease,omitempty"`

	ParentID  string   `yaml:"parentId,omitempty" json:"parentId,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	CreatedAt        time.Time `yaml:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `yaml:"updatedAt" json:"updatedAt"`
	LastTransitionAt time.Time `yaml:"lastTransitionAt" json:"lastTransitionAt"`

	ContentHash string `yaml:"contentHash" json:"contentHash"`

	Gate          *GateState         `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateHistory   []GateHistoryEntry `yaml:"gateHistory,omitempty" json:"gateHistory,omitempty"`
	ReviewContext *ReviewContext     `yaml:"reviewContext,omitempty" json:"reviewContext,omitempty"`

	SLA      *SLA   `yaml:"sla,omitempty" json:"sla,omitempty"`
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// CurrentSchemaVersion is the schemaVersion this package writes and the
// highest one it will parse.
const CurrentSchemaVersion = 1

// ComputeContentHash returns the 16-hex-char SHA-256 prefix over body (I3).
func ComputeContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:16]
}

// RecomputeContentHash refreshes t.ContentHash from t.Body.
func (t *Task) RecomputeContentHash() {
	t.ContentHash = ComputeContentHash(t.Body)
}

// HasLease reports whether the task currently carries a lease record.
func (t *Task) HasLease() bool {
	return t.Lease != nil
}

// Clone returns a deep-enough copy for safe mutation by callers (store
// methods return clones so callers can't corrupt in-memory cached state).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	if t.Gate != nil {
		g := *t.Gate
		c.Gate = &g
	}
	if t.SLA != nil {
		s := *t.SLA
		c.SLA = &s
	}
	if t.ReviewContext != nil {
		rc := *t.ReviewContext
		c.ReviewContext = &rc
	}
	c.Tags = append([]string(nil), t.Tags...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.GateHistory = append([]GateHistoryEntry(nil), t.GateHistory...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
