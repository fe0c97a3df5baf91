package planner

import "fmt"

// sweepPromotions surfaces every backlog task PromotionEligible clears as a
// KindPromote action, ahead of the ready-task assignment loop, so promotion
// is a property of a full Plan sweep rather than a separate code path.
func sweepPromotions(in Input) []Action {
	var actions []Action
	for _, t := range in.Backlog {
		if ok, _ := PromotionEligible(t, in.Graph, in.AllByID); ok {
			actions = append(actions, Action{Kind: KindPromote, TaskID: t.ID, Reason: "eligible for promotion"})
		}
	}
	return actions
}

// sweepSLA flags every in-progress task whose time since its last
// transition exceeds its own SLA.MaxInProgressMs. Tasks carrying no SLA (or
// a zero MaxInProgressMs, meaning unbounded) are never flagged.
func sweepSLA(in Input) []Action {
	var actions []Action
	for _, t := range in.InProgress {
		if t.SLA == nil || t.SLA.MaxInProgressMs <= 0 {
			continue
		}
		elapsed := in.Now.Sub(t.LastTransitionAt)
		if elapsed.Milliseconds() < t.SLA.MaxInProgressMs {
			continue
		}
		actions = append(actions, Action{
			Kind:   KindSLAViolation,
			TaskID: t.ID,
			Reason: fmt.Sprintf("in-progress for %s, exceeds SLA of %dms", elapsed, t.SLA.MaxInProgressMs),
		})
	}
	return actions
}
