package model

import "time"

// LifecycleState is the engine's per-signal state machine position.
type LifecycleState string

const (
	StateIdle         LifecycleState = "IDLE"
	StateAnalyzing    LifecycleState = "ANALYZING_SIGNAL"
	StateRiskChecking LifecycleState = "RISK_CHECKING"
	StateSubmitting   LifecycleState = "SUBMITTING"
	StateOpen         LifecycleState = "OPEN"
	StateClosing      LifecycleState = "CLOSING"
	StateClosed       LifecycleState = "CLOSED"
	StateRejected     LifecycleState = "REJECTED" // terminal, no order placed
	StateFailed       LifecycleState = "FAILED"   // terminal, needs reconciliation
)

// Terminal reports whether the lifecycle can make no further transition.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateClosed, StateRejected, StateFailed:
		return true
	}
	return false
}

// TransitionStep is one recorded hop of a signal's lifecycle.
type TransitionStep struct {
	From   LifecycleState `json:"from"`
	To     LifecycleState `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// LifecycleRecord is the complete per-signal trail: the signal, where its
// state machine stands, the order if one was created, and the full
// transition path for audit. Signal IDs are never reused, so the record is
// keyed by signal ID.
type LifecycleRecord struct {
	Signal          Signal           `json:"signal"`
	State           LifecycleState   `json:"state"`
	Analysis        *AnalysisResult  `json:"analysis,omitempty"`
	Sized           *SizedOrder      `json:"sized,omitempty"`
	Order           *Order           `json:"order,omitempty"`
	ExitOrder       *Order           `json:"exit_order,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	FailReason      string           `json:"fail_reason,omitempty"`
	Path            []TransitionStep `json:"path"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// EngineSnapshot is the crash-recovery unit: account, open positions,
// breaker state, and every non-terminal lifecycle record at snapshot time.
type EngineSnapshot struct {
	TakenAt   time.Time                   `json:"taken_at"`
	Account   Account                     `json:"account"`
	Positions []Position                  `json:"positions"`
	Breaker   CircuitBreakerState         `json:"breaker"`
	Records   map[string]*LifecycleRecord `json:"records"`
}
