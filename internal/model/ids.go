package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a short unique identifier with the given prefix, e.g.
// "sig_1f2a9c0d4b3e".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:12]
}

// NewSignalID returns a fresh signal identifier.
func NewSignalID() string { return NewID("sig") }

// NewOrderID returns a fresh engine-side order identifier.
func NewOrderID() string { return NewID("ord") }

// ClientOrderID derives the idempotency key for an order submission.
// Deterministic for a given signal and sized quantity, so a retried
// submission reuses the same key and the venue deduplicates it.
func ClientOrderID(instrument string, side OrderSide, qty decimal.Decimal, signalID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", instrument, side, qty.String(), signalID)))
	return hex.EncodeToString(sum[:])[:16]
}
