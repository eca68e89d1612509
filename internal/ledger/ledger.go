// Package ledger is the prepaid credit accountant. The source of truth
// is an append-only log of signed deltas per wallet; balances are pure
// projections over it and a remaining balance can never go negative: a
// debit that would overdraw clamps to the projection.
//
// The ledger is deliberately policy-free. Low/exhausted thresholds are
// the room actor's business; the ledger only counts.
package ledger

import (
	"context"
	"time"
)

// EntryReason classifies a ledger entry.
type EntryReason string

const (
	ReasonTopup      EntryReason = "topup"
	ReasonDebit      EntryReason = "debit"
	ReasonRefund     EntryReason = "refund"
	ReasonAdjustment EntryReason = "adjustment"
)

// Entry is one append-only ledger row. DeltaSeconds is positive for
// topups/refunds and negative for debits.
type Entry struct {
	Wallet       string      `json:"wallet"`
	DeltaSeconds int64       `json:"delta_seconds"`
	Reason       EntryReason `json:"reason"`
	SourceID     string      `json:"source_id"` // initiating connection for debits
	At           time.Time   `json:"at"`
}

// DebitResult reports how much was actually taken and what remains.
type DebitResult struct {
	Debited   int64 `json:"debited"`
	Remaining int64 `json:"remaining"`
}

// Balance is the projection of a wallet's log.
type Balance struct {
	Remaining    int64 `json:"remaining"`
	TotalDebited int64 `json:"total_debited"`
}

// Ledger is the credit accountant. All writes serialise per wallet:
// two concurrent debits of the same wallet observe each other's effect;
// debits of different wallets proceed freely.
type Ledger interface {
	// Topup appends a positive entry.
	Topup(ctx context.Context, wallet string, seconds int64, sourceID string) error

	// Debit atomically takes up to seconds from the wallet. It debits
	// min(seconds, remaining); the shortfall is discarded, never owed.
	Debit(ctx context.Context, wallet string, seconds int64, sourceID string) (DebitResult, error)

	// GetBalance projects the wallet's log.
	GetBalance(ctx context.Context, wallet string) (Balance, error)
}
