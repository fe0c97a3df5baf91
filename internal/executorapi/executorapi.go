// Package executorapi defines the boundary between AOF and whatever runs an
// agent session — a subprocess bridge, a container, a remote API. AOF only
// depends on this interface; concrete executors (and their process/SDK
// plumbing) live outside this module's scope.
package executorapi

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TaskContext is everything an executor needs to start a session for a task.
type TaskContext struct {
	TaskID      string
	Project     string
	Title       string
	Body        string
	Agent       string
	Role        string
	Team        string
	Workflow    string
	GateName    string
	Resource    string
	Metadata    map[string]string
	SpawnBudget time.Duration
}

// SessionState is the lifecycle state of a spawned session as reported by
// the executor.
type SessionState string

const (
	SessionStateRunning   SessionState = "running"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
	SessionStateUnknown   SessionState = "unknown"
)

// SpawnResult is returned immediately after a successful Spawn call; the
// session itself continues asynchronously and is polled via
// GetSessionStatus.
type SpawnResult struct {
	SessionID string
	StartedAt time.Time
	// PlatformLimit, when nonzero, is the executor-reported ceiling on
	// concurrently active children for the session (the Y in "max active
	// children for this session (X/Y)"). Populated on a platform-limit
	// failure so the caller can tighten its cap to exactly this value
	// instead of guessing.
	PlatformLimit int
}

// SessionStatus is a point-in-time snapshot of a spawned session.
type SessionStatus struct {
	SessionID string
	State     SessionState
	Summary   string
	Error     string
}

// Executor spawns and supervises agent sessions on behalf of the dispatch
// executor. Implementations are expected to be safe for concurrent use.
type Executor interface {
	// Spawn starts a new session for the given task context and returns
	// immediately with a session id to poll.
	Spawn(ctx context.Context, tc TaskContext) (*SpawnResult, error)
	// GetSessionStatus returns the current state of a previously spawned
	// session.
	GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error)
	// ForceCompleteSession terminates a session early, e.g. on a gate
	// timeout or an operator-initiated cancel.
	ForceCompleteSession(ctx context.Context, sessionID string) error
}

// platformLimitMarkers are substrings an executor's error text may contain
// to signal a transient platform-side capacity limit (as opposed to a task
// failure), matching the string-sniffing contract executors are expected to
// honor since error types don't cross process/API boundaries cleanly.
var platformLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"quota exceeded",
	"too many requests",
	"concurrent session limit",
	"capacity exceeded",
	"max active children",
}

// IsPlatformLimit reports whether err's text matches a known platform
// capacity-limit signature.
func IsPlatformLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range platformLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// platformLimitPattern matches the documented executor error format
// "...max active children for this session (X/Y)", capturing Y.
var platformLimitPattern = regexp.MustCompile(`max active children for this session \(\d+/(\d+)\)`)

// ParsePlatformLimit extracts the numeric ceiling Y from the documented
// "max active children for this session (X/Y)" error format. Returns
// ok=false if err doesn't match, in which case the caller falls back to a
// cap-halving strategy instead of a known limit.
func ParsePlatformLimit(err error) (limit int, ok bool) {
	if err == nil {
		return 0, false
	}
	match := platformLimitPattern.FindStringSubmatch(strings.ToLower(err.Error()))
	if match == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return 0, false
	}
	return n, true
}
