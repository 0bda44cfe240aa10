package engine

import "ai-trading-engine/internal/model"

// validTransitions encodes the signal lifecycle. Rejected is reachable
// from every pre-order state (risk rejection or cancel before a live
// order); Failed marks connector exhaustion and requires reconciliation.
var validTransitions = map[model.LifecycleState][]model.LifecycleState{
	model.StateIdle:         {model.StateAnalyzing, model.StateRejected},
	model.StateAnalyzing:    {model.StateRiskChecking, model.StateRejected},
	model.StateRiskChecking: {model.StateSubmitting, model.StateRejected},
	model.StateSubmitting:   {model.StateOpen, model.StateFailed, model.StateClosing, model.StateRejected},
	model.StateOpen:         {model.StateClosing, model.StateFailed},
	model.StateClosing:      {model.StateClosed, model.StateFailed},
}

// CanTransition reports whether the state machine admits from -> to.
func CanTransition(from, to model.LifecycleState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
