package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopupAndBalance(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.Topup(ctx, "0xabc", 300, "purchase-1"))
	require.NoError(t, l.Topup(ctx, "0xabc", 100, "purchase-2"))

	bal, err := l.GetBalance(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(400), bal.Remaining)
	assert.Equal(t, int64(0), bal.TotalDebited)
}

func TestTopupRejectsNonPositive(t *testing.T) {
	l := NewMemoryLedger()
	assert.Error(t, l.Topup(context.Background(), "0xabc", 0, "x"))
	assert.Error(t, l.Topup(context.Background(), "0xabc", -5, "x"))
}

func TestDebitClampsAtZero(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Topup(ctx, "0xabc", 30, "purchase"))

	res, err := l.Debit(ctx, "0xabc", 45, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Debited)
	assert.Equal(t, int64(0), res.Remaining)

	// Nothing is owed after exhaustion.
	res, err = l.Debit(ctx, "0xabc", 30, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Debited)
	assert.Equal(t, int64(0), res.Remaining)

	bal, err := l.GetBalance(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Remaining)
	assert.Equal(t, int64(30), bal.TotalDebited)
}

func TestDebitUnknownWallet(t *testing.T) {
	l := NewMemoryLedger()
	res, err := l.Debit(context.Background(), "0xnothing", 30, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Debited)
	assert.Equal(t, int64(0), res.Remaining)
}

// Two metered sessions draining one wallet concurrently must never
// overdraw it: total debited across both equals the original balance.
func TestConcurrentDebitsSerialize(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Topup(ctx, "0xabc", 100, "purchase"))

	const workers = 8
	const debitsPerWorker = 10

	var mu sync.Mutex
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < debitsPerWorker; j++ {
				res, err := l.Debit(ctx, "0xabc", 3, "conn")
				assert.NoError(t, err)
				mu.Lock()
				total += res.Debited
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(100), total)
	bal, err := l.GetBalance(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Remaining)
	assert.Equal(t, int64(100), bal.TotalDebited)
}

func TestWalletsAreIndependent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Topup(ctx, "0xaaa", 60, "p"))
	require.NoError(t, l.Topup(ctx, "0xbbb", 90, "p"))

	_, err := l.Debit(ctx, "0xaaa", 60, "conn")
	require.NoError(t, err)

	bal, err := l.GetBalance(ctx, "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.Remaining)
}
