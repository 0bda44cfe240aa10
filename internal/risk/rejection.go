package risk

import "fmt"

// Rejection codes. A rejection is definitive: the engine never retries a
// rejected signal.
const (
	CodeCircuitBreakerTripped = "E201"
	CodeSizeBelowMinimum      = "E202"
	CodeLimitExceeded         = "E203"
	CodeConflictingPosition   = "E204"
	CodeConfidenceTooLow      = "E205"
)

// Rejection explains why a signal was refused before any order existed.
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejection [%s]: %s", r.Code, r.Reason)
}

func reject(code, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}
