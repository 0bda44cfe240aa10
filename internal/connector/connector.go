// Package connector abstracts venue access. The engine consumes this
// interface only; paper trading swaps the implementation at the wiring
// boundary, never inside the engine.
package connector

import (
	"context"
	"fmt"

	"ai-trading-engine/internal/model"
)

// Error codes. Transient codes are retried with bounded backoff, fatal
// codes fail the order immediately.
const (
	CodeTransport          = "E101"
	CodeRateLimited        = "E102"
	CodeVenueUnavailable   = "E103"
	CodeOrderNotFound      = "E104"
	CodeVenueRejected      = "E105"
	CodePaperModeViolation = "E903"
)

// ConnectorError wraps any venue-side failure.
type ConnectorError struct {
	Venue     string
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *ConnectorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connector %s [%s]: %s: %v", e.Venue, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("connector %s [%s]: %s", e.Venue, e.Code, e.Message)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Retryable reports whether the engine may retry the operation.
func (e *ConnectorError) Retryable() bool { return e.Transient }

func transientErr(venue, code, message string, err error) *ConnectorError {
	return &ConnectorError{Venue: venue, Code: code, Message: message, Transient: true, Err: err}
}

func fatalErr(venue, code, message string, err error) *ConnectorError {
	return &ConnectorError{Venue: venue, Code: code, Message: message, Err: err}
}

// Connector is one venue connection. StreamFills and StreamTicks return
// live feeds that are restartable: after a consumer drops or the venue
// disconnects, calling them again resumes the flow.
type Connector interface {
	Venue() string

	SubmitOrder(ctx context.Context, order model.Order) (model.OrderAck, error)
	CancelOrder(ctx context.Context, instrument, clientOrderID string) error

	// OrderStatus is the reconciliation read: it reports whether the
	// venue knows the client order id at all.
	OrderStatus(ctx context.Context, instrument, clientOrderID string) (model.OrderStatusReport, error)

	Position(ctx context.Context, instrument string) (model.Position, error)

	StreamFills(ctx context.Context) (<-chan model.Fill, error)
	StreamTicks(ctx context.Context, instruments []string) (<-chan model.Tick, error)

	Close() error
}
