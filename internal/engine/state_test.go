package engine

import (
	"testing"

	"ai-trading-engine/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.LifecycleState
		to   model.LifecycleState
		want bool
	}{
		{"idle to analyzing", model.StateIdle, model.StateAnalyzing, true},
		{"idle to rejected", model.StateIdle, model.StateRejected, true},
		{"idle straight to open", model.StateIdle, model.StateOpen, false},
		{"analyzing to risk checking", model.StateAnalyzing, model.StateRiskChecking, true},
		{"analyzing to submitting", model.StateAnalyzing, model.StateSubmitting, false},
		{"risk checking to submitting", model.StateRiskChecking, model.StateSubmitting, true},
		{"risk checking to open", model.StateRiskChecking, model.StateOpen, false},
		{"submitting to open", model.StateSubmitting, model.StateOpen, true},
		{"submitting to failed", model.StateSubmitting, model.StateFailed, true},
		{"submitting to rejected", model.StateSubmitting, model.StateRejected, true},
		{"submitting to closing", model.StateSubmitting, model.StateClosing, true},
		{"open to closing", model.StateOpen, model.StateClosing, true},
		{"open to failed", model.StateOpen, model.StateFailed, true},
		{"open to rejected", model.StateOpen, model.StateRejected, false},
		{"closing to closed", model.StateClosing, model.StateClosed, true},
		{"closing to failed", model.StateClosing, model.StateFailed, true},
		{"closing back to open", model.StateClosing, model.StateOpen, false},
		{"closed is terminal", model.StateClosed, model.StateClosing, false},
		{"rejected is terminal", model.StateRejected, model.StateAnalyzing, false},
		{"failed is terminal", model.StateFailed, model.StateOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
