// Package paygate is the paid-segment gate: it derives payment
// challenges, validates inbound payment signatures, and records the
// entitlements that let a wallet back in without re-paying.
//
// The outer payment signature is opaque here. The gate validates the
// envelope fields against the current challenge and defers the actual
// cryptography / settlement to the injected PaymentVerifier; the
// control plane never touches the chain.
package paygate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/store"
)

// Wire headers of the payment exchange.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// Gate verdicts.
var (
	// ErrPaymentRequired means no acceptable signature was presented;
	// the caller gets a 402 with the challenge header.
	ErrPaymentRequired = errors.New("payment_required")
	// ErrInvalidPaymentSignature means the envelope was presented but
	// does not match the current challenge.
	ErrInvalidPaymentSignature = errors.New("invalid_payment_signature")
	// ErrSignatureReplay means the same opaque signature was already
	// recorded for a different wallet.
	ErrSignatureReplay = errors.New("invalid_payment_signature: replay")
)

// Challenge is what the gate demands for one resource. Serialized into
// the PAYMENT-REQUIRED header as base64 JSON.
type Challenge struct {
	Resource   string            `json:"resource"`
	Amount     string            `json:"amount"`
	Asset      string            `json:"asset"`
	Network    string            `json:"network"`
	PayTo      string            `json:"payTo"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// Envelope is the decoded PAYMENT-SIGNATURE payload. Opaque beyond
// these fields; anything else the client includes is ignored.
type Envelope struct {
	Resource   string            `json:"resource"`
	Wallet     string            `json:"wallet"`
	Amount     string            `json:"amount"`
	Asset      string            `json:"asset"`
	Network    string            `json:"network"`
	PayTo      string            `json:"payTo"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// PaymentVerifier is the hook for the outer signature cryptography.
// Production injects a verifier backed by the settlement facilitator;
// tests inject PermissiveVerifier.
type PaymentVerifier interface {
	VerifyEnvelope(envelope Envelope, expected Challenge) bool
}

// PermissiveVerifier accepts every envelope whose fields already passed
// the gate's equality checks. This is the deployed default: settlement
// is reconciled out-of-band by the attestation sweeper.
type PermissiveVerifier struct{}

func (PermissiveVerifier) VerifyEnvelope(Envelope, Challenge) bool { return true }

// Gate validates payment signatures and records entitlements. The
// entitlement and signature tables are shared-read but this gate is
// their only writer.
type Gate struct {
	store    store.Tabular
	verifier PaymentVerifier
	emitter  events.Emitter
	logger   *log.Logger
	nowFn    func() time.Time
}

// NewGate creates the payment gate.
func NewGate(tab store.Tabular, verifier PaymentVerifier, emitter events.Emitter) *Gate {
	if verifier == nil {
		verifier = PermissiveVerifier{}
	}
	return &Gate{
		store:    tab,
		verifier: verifier,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[PayGate] ", log.LstdFlags),
		nowFn:    time.Now,
	}
}

// ChallengeFor builds the challenge for one paid operation on a room.
// scope picks the live or replay price; public-replay rooms advertise
// their mode in the extensions so the watch page can branch.
func ChallengeFor(room *store.RoomRecord, op string, scope store.EntitlementScope) Challenge {
	amount := room.LiveAmount
	if scope == store.ScopeReplay {
		amount = room.ReplayAmount
	}
	ch := Challenge{
		Resource: Resource(string(room.Kind), room.RoomID, op, room.SegmentID),
		Amount:   strconv.FormatInt(amount, 10),
		Asset:    room.AssetID,
		Network:  room.NetworkID,
		PayTo:    room.SplitAddress,
	}
	if scope == store.ScopeReplay && room.ReplayMode == "public" {
		ch.Extensions = map[string]string{"mode": "public"}
	}
	challengesIssued.WithLabelValues(string(scope)).Inc()
	return ch
}

// Encode renders the challenge for the PAYMENT-REQUIRED header.
func (c Challenge) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

// EncodeResponse renders the PAYMENT-RESPONSE header value echoing the
// settled resource.
func EncodeResponse(resource string) string {
	raw, _ := json.Marshal(map[string]string{"resource": resource})
	return base64.StdEncoding.EncodeToString(raw)
}

// HasEntitlement reports whether wallet already holds an unexpired
// entitlement for the room's current segment under scope. Re-entry
// within the window succeeds without a new payment.
func (g *Gate) HasEntitlement(ctx context.Context, room *store.RoomRecord, wallet string, scope store.EntitlementScope) bool {
	ent, err := g.store.GetEntitlement(ctx, room.RoomID, room.SegmentID, wallet, scope)
	if err != nil {
		return false
	}
	return g.nowFn().Before(ent.ExpiresAt)
}

// VerifyAndGrant checks the PAYMENT-SIGNATURE header against the
// challenge and, on success, records exactly one entitlement row.
// Replay by the original wallet is an idempotent success; replay by a
// different wallet is rejected.
func (g *Gate) VerifyAndGrant(ctx context.Context, room *store.RoomRecord, challenge Challenge, wallet, signatureHeader string, scope store.EntitlementScope) (*store.EntitlementRecord, error) {
	if signatureHeader == "" {
		return nil, ErrPaymentRequired
	}

	raw, err := base64.StdEncoding.DecodeString(signatureHeader)
	if err != nil {
		signaturesRejected.Inc()
		return nil, ErrInvalidPaymentSignature
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		signaturesRejected.Inc()
		return nil, ErrInvalidPaymentSignature
	}

	// Envelope must match the live challenge, field for field.
	if env.Resource != challenge.Resource || env.Wallet != wallet ||
		env.PayTo != challenge.PayTo || env.Amount != challenge.Amount ||
		env.Asset != challenge.Asset || env.Network != challenge.Network {
		signaturesRejected.Inc()
		return nil, ErrInvalidPaymentSignature
	}

	if !g.verifier.VerifyEnvelope(env, challenge) {
		signaturesRejected.Inc()
		return nil, ErrInvalidPaymentSignature
	}

	// Replay check: the same opaque signature may only ever belong to
	// the wallet that first presented it.
	sigKey := signatureKey(raw)
	if rec, err := g.store.GetPaymentSignature(ctx, sigKey); err == nil {
		if rec.Wallet != wallet {
			g.logger.Printf("🚫 Signature replay on %s: recorded for %s, replayed by %s",
				challenge.Resource, rec.Wallet, wallet)
			signaturesRejected.Inc()
			return nil, ErrSignatureReplay
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("store_unavailable: %w", err)
	} else {
		if err := g.store.InsertPaymentSignature(ctx, &store.PaymentSignatureRecord{
			SignatureKey: sigKey,
			Resource:     challenge.Resource,
			Wallet:       wallet,
			ReceivedAt:   g.nowFn(),
		}); err != nil {
			return nil, fmt.Errorf("store_unavailable: %w", err)
		}
	}

	// Idempotent grant: one entitlement row per (room, segment, wallet,
	// scope), however many times the same valid signature arrives.
	if ent, err := g.store.GetEntitlement(ctx, room.RoomID, room.SegmentID, wallet, scope); err == nil {
		return ent, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("store_unavailable: %w", err)
	}

	now := g.nowFn()
	window := time.Duration(room.AccessWindowMinutes) * time.Minute
	ent := &store.EntitlementRecord{
		RoomID:    room.RoomID,
		SegmentID: room.SegmentID,
		Wallet:    wallet,
		Scope:     scope,
		GrantedAt: now,
		ExpiresAt: now.Add(window),
	}
	if err := g.store.InsertEntitlement(ctx, ent); err != nil {
		return nil, fmt.Errorf("store_unavailable: %w", err)
	}
	entitlementsGranted.WithLabelValues(string(scope)).Inc()

	g.logger.Printf("🔑 Granted %s entitlement on %s to %s (window=%s)",
		scope, challenge.Resource, wallet, window)
	if g.emitter != nil {
		g.emitter.Emit(events.TypeEntitlement, "/paygate", room.RoomID, map[string]interface{}{
			"wallet":     wallet,
			"scope":      string(scope),
			"segment_id": room.SegmentID,
		})
	}
	return ent, nil
}

// signatureKey fingerprints the raw envelope bytes. SHA3-256 keeps the
// stored key fixed-width regardless of envelope size.
func signatureKey(raw []byte) string {
	sum := sha3.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}
