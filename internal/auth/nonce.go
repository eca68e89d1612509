package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voiceplane/backend/internal/store"
)

// Nonce TTL: a login nonce not consumed within this window is gone.
const nonceTTL = 5 * time.Minute

// Nonce verification failures. Handlers must render both as the same
// 401 so callers cannot distinguish expiry from a guess.
var (
	ErrNonceUnknown = errors.New("nonce_unknown")
	ErrNonceExpired = errors.New("nonce_expired")
)

type nonceRecord struct {
	Wallet    string    `json:"wallet"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NonceManager issues single-use login nonces keyed by wallet. A fresh
// request supersedes any unconsumed nonce for the same wallet
// (most-recent wins). Storage is the shared KV so every pod sees the
// same nonce set.
type NonceManager struct {
	kv     store.KV
	logger *log.Logger
}

// NewNonceManager creates a nonce manager over the given KV.
func NewNonceManager(kv store.KV) *NonceManager {
	return &NonceManager{
		kv:     kv,
		logger: log.New(log.Writer(), "[Auth] ", log.LstdFlags),
	}
}

func nonceKey(wallet string) string { return "nonce:" + wallet }

// Request generates a fresh cryptographically random nonce for wallet.
func (nm *NonceManager) Request(ctx context.Context, wallet string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	value := hex.EncodeToString(buf)

	rec := nonceRecord{Wallet: wallet, Value: value, CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := nm.kv.Set(ctx, nonceKey(wallet), raw, nonceTTL); err != nil {
		return "", fmt.Errorf("persist nonce: %w", err)
	}
	return value, nil
}

// Consume verifies the signature against the stored nonce and deletes
// it. The nonce is consumed only AFTER the signature check passes, so a
// guessed nonce cannot be burned by an attacker.
func (nm *NonceManager) Consume(ctx context.Context, wallet, nonce, signature string) error {
	raw, err := nm.kv.Get(ctx, nonceKey(wallet))
	if errors.Is(err, store.ErrNotFound) {
		return ErrNonceUnknown
	}
	if err != nil {
		return fmt.Errorf("load nonce: %w", err)
	}

	var rec nonceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode nonce record: %w", err)
	}
	if rec.Value != nonce {
		return ErrNonceUnknown
	}
	if time.Since(rec.CreatedAt) > nonceTTL {
		return ErrNonceExpired
	}

	if err := VerifyWalletSignature(wallet, LoginMessage(nonce), signature); err != nil {
		return err
	}

	if err := nm.kv.Del(ctx, nonceKey(wallet)); err != nil {
		// The signature already verified; a delete failure must not
		// block login, but the nonce stays live until its TTL.
		nm.logger.Printf("⚠️  Failed to delete consumed nonce for %s: %v", wallet, err)
	}
	return nil
}
