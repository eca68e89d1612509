package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session token lifetime. There is no refresh endpoint: when the token
// expires, the client signs a fresh nonce.
const sessionTTL = 24 * time.Hour

// ErrUnauthorized is returned for missing, malformed, or expired
// session tokens.
var ErrUnauthorized = errors.New("unauthorized")

// SessionClaims binds a wallet to an expiry. Stateless: nothing is
// stored server-side and tokens are never revoked before expiry.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions mints and verifies HS256 bearer session tokens.
type Sessions struct {
	secret []byte
}

// NewSessions creates a session minter with the process-wide secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

// Mint issues a session token for an already-verified wallet.
func (s *Sessions) Mint(wallet string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// MintScoped issues a token bound to a wallet AND an audience (e.g. a
// room's replay stream) with an explicit ttl. Used for replay access
// tokens, which outlive nothing but their entitlement window.
func (s *Sessions) MintScoped(wallet, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign scoped token: %w", err)
	}
	return signed, nil
}

// Verify parses a bearer token and returns the wallet it binds.
// Signature and expiry are enforced on every call.
func (s *Sessions) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
