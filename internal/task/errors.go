package task

import (
	"errors"
	"fmt"
)

// Kind classifies a task-layer error into the closed namespace from the
// error handling design: callers branch on Kind via errors.As, never on
// error string content.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAmbiguous
	KindInvalidTransition
	KindInvariantViolation
	KindLeased
	KindTerminal
	KindParse
	KindPlatformLimit
	KindSpawnFailure
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAmbiguous:
		return "ambiguous"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindLeased:
		return "leased"
	case KindTerminal:
		return "terminal"
	case KindParse:
		return "parse"
	case KindPlatformLimit:
		return "platform_limit"
	case KindSpawnFailure:
		return "spawn_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with the operation and task id it applies to so
// callers get consistent, greppable messages and can still unwrap to the
// underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("task: %s", e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Op)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s %s", msg, e.TaskID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) etc. work against a bare Kind sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, taskID string, err error) *Error {
	return &Error{Kind: kind, Op: op, TaskID: taskID, Err: err}
}

// Sentinel errors for errors.Is comparisons where only the Kind matters.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAmbiguous           = &Error{Kind: KindAmbiguous}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrLeased              = &Error{Kind: KindLeased}
	ErrTerminal            = &Error{Kind: KindTerminal}
	ErrParse               = &Error{Kind: KindParse}
	ErrPlatformLimit       = &Error{Kind: KindPlatformLimit}
	ErrSpawnFailure        = &Error{Kind: KindSpawnFailure}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

// NotFound builds a KindNotFound error for a missing task or blocker id.
func NotFound(op, taskID string) error { return newErr(KindNotFound, op, taskID, nil) }

// Ambiguous builds a KindAmbiguous error (e.g. GetByPrefix matching >1 task).
func Ambiguous(op, taskID string) error { return newErr(KindAmbiguous, op, taskID, nil) }

// InvalidTransition builds a KindInvalidTransition error naming the
// attempted from/to states.
func InvalidTransition(taskID string, from, to Status) error {
	return newErr(KindInvalidTransition, "transition", taskID,
		fmt.Errorf("%s -> %s is not permitted", from, to))
}

// InvariantViolation builds a KindInvariantViolation error, e.g. a
// dependency cycle or self-dependency.
func InvariantViolation(op, taskID string, err error) error {
	return newErr(KindInvariantViolation, op, taskID, err)
}

// Leased builds a KindLeased error for acquire/renew/release holder
// mismatches.
func Leased(op, taskID, holder string) error {
	return newErr(KindLeased, op, taskID, fmt.Errorf("held by %s", holder))
}

// Terminal builds a KindTerminal error for mutation attempts on a
// terminal-state task.
func Terminal(op, taskID string, status Status) error {
	return newErr(KindTerminal, op, taskID, fmt.Errorf("status is terminal: %s", status))
}

// Parse builds a KindParse error for a malformed on-disk record.
func Parse(path string, err error) error {
	return newErr(KindParse, "parse", path, err)
}

// Kindof returns the Kind of err, or KindUnknown if err is not one of ours.
func Kindof(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
