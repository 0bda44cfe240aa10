// Package ai wraps the AI analysis backends behind a single Provider
// interface and drives them through an ordered failover chain with
// per-provider circuits.
package ai

import (
	"context"
	"fmt"
	"strings"

	"ai-trading-engine/internal/model"
)

// Error codes for provider and failover failures.
const (
	CodeProviderTimeout         = "E401"
	CodeInvalidResponse         = "E402"
	CodeRateLimited             = "E403"
	CodeProviderHTTP            = "E404"
	CodeAllProvidersUnavailable = "E405"
)

// AnalysisRequest carries everything a provider needs to judge a signal.
type AnalysisRequest struct {
	Signal model.Signal
}

// Provider is one AI analysis backend. Implementations must honor ctx
// cancellation; the orchestrator bounds every call with a timeout.
type Provider interface {
	ID() string
	Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error)
}

// ProviderError is a transient failure of a single provider. It triggers
// failover and never surfaces to the trader unless all providers fail.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AnalysisFailure means the whole failover chain was exhausted. It is a
// policy decision point for the engine, not a fatal error.
type AnalysisFailure struct {
	Code   string
	Causes map[string]string // provider id -> reason
}

func (e *AnalysisFailure) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for id, cause := range e.Causes {
		parts = append(parts, id+": "+cause)
	}
	return fmt.Sprintf("all providers unavailable [%s] (%s)", e.Code, strings.Join(parts, "; "))
}
