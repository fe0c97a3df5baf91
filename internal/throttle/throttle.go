// Package throttle implements the Throttle Controller: the gate between
// "the planner wants to dispatch this task" and "the dispatcher is allowed
// to act on it right now". It enforces a minimum spacing between dispatches
// (global and per-team) on top of github.com/joeycumines/go-catrate's
// sliding-window limiter, plus hard concurrency caps the limiter itself
// doesn't express.
package throttle

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Config holds the throttle controller's tunables.
type Config struct {
	// MinDispatchInterval is the minimum spacing enforced globally between
	// any two dispatches.
	MinDispatchInterval time.Duration
	// MinTeamDispatchInterval is the minimum spacing enforced between two
	// dispatches to the same team, in addition to the global spacing.
	MinTeamDispatchInterval time.Duration
	// GlobalConcurrencyCap bounds the number of simultaneously in-progress
	// tasks across all teams. Zero means unbounded.
	GlobalConcurrencyCap int
	// TeamConcurrencyCap bounds the number of simultaneously in-progress
	// tasks for any single team. Zero means unbounded.
	TeamConcurrencyCap int
	// MaxDispatchesPerTick caps how many dispatch actions the planner may
	// emit in a single scheduler poll, regardless of how many are eligible.
	MaxDispatchesPerTick int
}

// Decision explains why a prospective dispatch was allowed or throttled.
type Decision struct {
	Allowed bool
	Reason  string
	// RetryAfter is populated when Allowed is false and the limiter knows
	// the earliest time a retry might succeed.
	RetryAfter time.Time
}

// Controller decides, for each prospective dispatch, whether to proceed,
// defer, or drop it for this tick.
type Controller struct {
	cfg     Config
	global  *catrate.Limiter
	team    *catrate.Limiter
	dispatchedThisTick int
}

const globalCategory = "__global__"

// New returns a Controller. Rates of zero disable the corresponding limiter.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.MinDispatchInterval > 0 {
		c.global = catrate.NewLimiter(map[time.Duration]int{cfg.MinDispatchInterval: 1})
	}
	if cfg.MinTeamDispatchInterval > 0 {
		c.team = catrate.NewLimiter(map[time.Duration]int{cfg.MinTeamDispatchInterval: 1})
	}
	return c
}

// BeginTick resets the per-tick dispatch counter. Call once at the start of
// every scheduler poll, before any Allow calls for that tick.
func (c *Controller) BeginTick() {
	c.dispatchedThisTick = 0
}

// Allow reports whether a dispatch to the given team may proceed right now,
// honoring global spacing, per-team spacing, concurrency caps, and the
// per-tick dispatch cap. inProgressGlobal and inProgressTeam are the current
// counts from the dependency analyzer's Graph.
func (c *Controller) Allow(team string, inProgressGlobal, inProgressTeam int) Decision {
	if c.cfg.MaxDispatchesPerTick > 0 && c.dispatchedThisTick >= c.cfg.MaxDispatchesPerTick {
		return Decision{Allowed: false, Reason: "per-tick dispatch cap reached"}
	}
	if c.cfg.GlobalConcurrencyCap > 0 && inProgressGlobal >= c.cfg.GlobalConcurrencyCap {
		return Decision{Allowed: false, Reason: "global concurrency cap reached"}
	}
	if c.cfg.TeamConcurrencyCap > 0 && inProgressTeam >= c.cfg.TeamConcurrencyCap {
		return Decision{Allowed: false, Reason: "team concurrency cap reached"}
	}

	if c.global != nil {
		if next, ok := c.global.Allow(globalCategory); !ok {
			return Decision{Allowed: false, Reason: "global dispatch interval not yet elapsed", RetryAfter: next}
		}
	}
	if c.team != nil && team != "" {
		if next, ok := c.team.Allow(team); !ok {
			return Decision{Allowed: false, Reason: "team dispatch interval not yet elapsed", RetryAfter: next}
		}
	}

	c.dispatchedThisTick++
	return Decision{Allowed: true}
}

// TightenCap reduces MaxDispatchesPerTick (never below 1) in response to
// platform-limit backpressure from the dispatcher, and returns the new cap.
// platformLimit, when known (the parsed Y from the executor's "max active
// children for this session (X/Y)" error), is applied directly as
// min(platformLimit, currentCap) rather than guessed at by halving — the
// executor already told us the exact ceiling, no need to approach it
// gradually. A platformLimit <= 0 means the caller couldn't parse one, so
// TightenCap falls back to halving the current cap.
func (c *Controller) TightenCap(platformLimit int) int {
	if platformLimit > 0 {
		if c.cfg.MaxDispatchesPerTick <= 0 {
			c.cfg.MaxDispatchesPerTick = platformLimit // was unbounded: adopt the reported ceiling directly
		} else {
			c.cfg.MaxDispatchesPerTick = min(platformLimit, c.cfg.MaxDispatchesPerTick)
		}
	} else if c.cfg.MaxDispatchesPerTick <= 1 {
		c.cfg.MaxDispatchesPerTick = 1
	} else {
		c.cfg.MaxDispatchesPerTick /= 2
	}
	if c.cfg.MaxDispatchesPerTick < 1 {
		c.cfg.MaxDispatchesPerTick = 1
	}
	return c.cfg.MaxDispatchesPerTick
}

// RelaxCap restores MaxDispatchesPerTick toward ceiling by one step.
func (c *Controller) RelaxCap(ceiling int) int {
	if c.cfg.MaxDispatchesPerTick <= 0 {
		c.cfg.MaxDispatchesPerTick = 1
	} else {
		c.cfg.MaxDispatchesPerTick++
	}
	if ceiling > 0 && c.cfg.MaxDispatchesPerTick > ceiling {
		c.cfg.MaxDispatchesPerTick = ceiling
	}
	return c.cfg.MaxDispatchesPerTick
}

// EffectiveConcurrencyCap reports the current per-tick dispatch ceiling,
// after any platform-limit tightening via TightenCap, for metrics
// reporting. Zero means unbounded.
func (c *Controller) EffectiveConcurrencyCap() int {
	return c.cfg.MaxDispatchesPerTick
}
