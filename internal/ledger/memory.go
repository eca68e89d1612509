package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger keeps the append-only log in process memory with one
// mutex per wallet. Same semantics as the Postgres ledger; used by
// tests and keyless development boots.
type MemoryLedger struct {
	mu      sync.Mutex
	wallets map[string]*walletLog
}

type walletLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{wallets: make(map[string]*walletLog)}
}

func (m *MemoryLedger) walletFor(wallet string) *walletLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	wl, ok := m.wallets[wallet]
	if !ok {
		wl = &walletLog{}
		m.wallets[wallet] = wl
	}
	return wl
}

func (m *MemoryLedger) Topup(ctx context.Context, wallet string, seconds int64, sourceID string) error {
	if seconds <= 0 {
		return fmt.Errorf("topup seconds must be positive, got %d", seconds)
	}
	wl := m.walletFor(wallet)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.entries = append(wl.entries, Entry{
		Wallet: wallet, DeltaSeconds: seconds, Reason: ReasonTopup, SourceID: sourceID, At: time.Now(),
	})
	return nil
}

func (m *MemoryLedger) Debit(ctx context.Context, wallet string, seconds int64, sourceID string) (DebitResult, error) {
	if seconds < 0 {
		return DebitResult{}, fmt.Errorf("debit seconds must be non-negative, got %d", seconds)
	}
	wl := m.walletFor(wallet)
	wl.mu.Lock()
	defer wl.mu.Unlock()

	before, _ := project(wl.entries)
	if before < 0 {
		before = 0
	}
	debited := seconds
	if debited > before {
		debited = before
	}
	if debited > 0 {
		wl.entries = append(wl.entries, Entry{
			Wallet: wallet, DeltaSeconds: -debited, Reason: ReasonDebit, SourceID: sourceID, At: time.Now(),
		})
	}
	return DebitResult{Debited: debited, Remaining: before - debited}, nil
}

func (m *MemoryLedger) GetBalance(ctx context.Context, wallet string) (Balance, error) {
	wl := m.walletFor(wallet)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	remaining, totalDebited := project(wl.entries)
	if remaining < 0 {
		remaining = 0
	}
	return Balance{Remaining: remaining, TotalDebited: totalDebited}, nil
}

func project(entries []Entry) (remaining, totalDebited int64) {
	for _, e := range entries {
		remaining += e.DeltaSeconds
		if e.DeltaSeconds < 0 {
			totalDebited += -e.DeltaSeconds
		}
	}
	return remaining, totalDebited
}
