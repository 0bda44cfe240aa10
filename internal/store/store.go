// Package store persists engine state for crash recovery and appends the
// audit trail of every signal decision.
package store

import (
	"context"

	"ai-trading-engine/internal/model"
)

// Store is the persistence boundary. SaveSnapshot/LoadSnapshot provide
// crash recovery; the Record methods append the audit trail. Audit
// failures are logged by callers and never block trading.
type Store interface {
	SaveSnapshot(ctx context.Context, snap model.EngineSnapshot) error
	// LoadSnapshot returns nil when no snapshot has been saved yet.
	LoadSnapshot(ctx context.Context) (*model.EngineSnapshot, error)

	RecordLifecycle(ctx context.Context, rec model.LifecycleRecord) error
	RecordFill(ctx context.Context, fill model.Fill) error
	RecordRejection(ctx context.Context, sig model.Signal, code, reason string) error

	Close() error
}
