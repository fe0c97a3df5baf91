package task

// validTransitions is the from -> {to...} matrix from the component design.
// Idempotent self-transitions (from == to) are always permitted and are
// checked separately by callers before consulting this table.
var validTransitions = map[Status]map[Status]bool{
	StatusBacklog: {
		StatusReady:     true,
		StatusCancelled: true,
		StatusBlocked:   true,
	},
	StatusReady: {
		StatusInProgress: true,
		StatusBlocked:    true,
		StatusCancelled:  true,
		StatusBacklog:    true,
		StatusDeadletter: true,
	},
	StatusInProgress: {
		StatusReview:     true,
		StatusBlocked:    true,
		StatusReady:      true,
		StatusCancelled:  true,
		StatusDeadletter: true,
		StatusDone:       true, // direct close path
	},
	StatusBlocked: {
		StatusReady:      true,
		StatusCancelled:  true,
		StatusDeadletter: true,
	},
	StatusReview: {
		StatusInProgress: true,
		StatusDone:       true,
		StatusBlocked:    true,
		StatusCancelled:  true,
	},
	StatusDone:       {}, // terminal
	StatusCancelled:  {StatusReady: true},
	StatusDeadletter: {StatusReady: true},
}

// CanTransition reports whether moving from -> to is permitted by the
// matrix. A no-op (from == to) is always permitted (P2).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}
