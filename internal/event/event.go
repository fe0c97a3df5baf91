// Package event implements the append-only event log: every state change
// the scheduler, store, lease manager, gate engine, and dispatcher make is
// recorded as one line of JSON, partitioned by day, and never rewritten.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed namespace of event kinds the log accepts.
type Type string

const (
	TypeTaskCreated          Type = "task.created"
	TypeTaskTransitioned     Type = "task.transitioned"
	TypeTaskUpdated          Type = "task.updated"
	TypeTaskBlocked          Type = "task.blocked"
	TypeTaskUnblocked        Type = "task.unblocked"
	TypeTaskCancelled        Type = "task.cancelled"
	TypeTaskCompleted        Type = "task.completed"
	TypeTaskAssigned         Type = "task.assigned"
	TypeTaskValidationFailed Type = "task.validation.failed"
	TypeDepAdded             Type = "task.dep.added"
	TypeDepRemoved           Type = "task.dep.removed"
	TypeLeaseAcquired        Type = "lease.acquired"
	TypeLeaseRenewed         Type = "lease.renewed"
	TypeLeaseReleased        Type = "lease.released"
	TypeLeaseExpired         Type = "lease.expired"
	TypeGateEntered          Type = "gate.entered"
	TypeGateExited           Type = "gate.exited"
	TypeGateTimeout          Type = "gate_timeout_escalation"
	TypeSLAViolation         Type = "sla.violation"
	TypeDispatchMatched      Type = "dispatch.matched"
	TypeDispatchError        Type = "dispatch.error"
	TypeDispatchThrottled    Type = "dispatch.throttled"
	TypeActionStarted        Type = "action.started"
	TypeActionCompleted      Type = "action.completed"
	TypeConcurrencyLimit     Type = "concurrency.platformLimit"
	TypeSchedulerPoll        Type = "scheduler.poll"
	TypeSchedulerError       Type = "scheduler.error"
)

// Event is a single immutable record in the log.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	Project   string         `json:"project,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an Event with a fresh id and the given timestamp.
func New(typ Type, taskID, project string, now time.Time, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: now,
		TaskID:    taskID,
		Project:   project,
		Data:      data,
	}
}
