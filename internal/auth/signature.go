// Package auth implements wallet login: single-use nonces, EIP-191
// signature verification, and HS256 bearer session tokens.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature does not recover to
// the expected wallet.
var ErrInvalidSignature = errors.New("invalid_signature")

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeWallet lowercases a hex wallet address. Every component
// compares wallets in this normalised form only; mixed-case comparisons
// are forbidden everywhere else.
func NormalizeWallet(wallet string) (string, error) {
	w := strings.TrimSpace(wallet)
	if !walletPattern.MatchString(w) {
		return "", fmt.Errorf("malformed wallet address %q", wallet)
	}
	return strings.ToLower(w), nil
}

// LoginMessage is the exact EIP-191 message a client signs to consume a
// nonce. Kept stable: changing it invalidates in-flight logins.
func LoginMessage(nonce string) string {
	return "voiceplane login nonce: " + nonce
}

// RecoverWallet recovers the lowercase signer address from an EIP-191
// personal-sign signature over message.
func RecoverWallet(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// EIP-191: accept both 0/1 and 27/28 recovery ids.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256([]byte(prefixed))

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifyWalletSignature checks that signature over message recovers to
// wallet (already normalised).
func VerifyWalletSignature(wallet, message, signature string) error {
	recovered, err := RecoverWallet(message, signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if recovered != wallet {
		return ErrInvalidSignature
	}
	return nil
}
