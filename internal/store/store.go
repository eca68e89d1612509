// Package store is the tabular persistence layer: structured tables for
// rooms, participants, entitlements, payment signatures, songs, and
// attestation bookkeeping, plus a small TTL key/value surface for
// nonces and bridge tickets.
//
// The credit ledger is NOT here. It has its own serialisation rules
// and lives in internal/ledger.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Tabular is the structured-table store. Production uses Supabase;
// tests use the in-memory implementation.
type Tabular interface {
	// Rooms. UpsertRoom is the room actor's durable write path.
	UpsertRoom(ctx context.Context, room *RoomRecord) error
	GetRoom(ctx context.Context, roomID string) (*RoomRecord, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// Participants. Written only by the owning room actor.
	UpsertParticipant(ctx context.Context, p *ParticipantRecord) error
	MarkParticipantLeft(ctx context.Context, roomID, connectionID string, debitedSeconds int64, leftAt time.Time) error
	ListOpenParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error)

	// Entitlements. Written only by the payment gate.
	InsertEntitlement(ctx context.Context, e *EntitlementRecord) error
	GetEntitlement(ctx context.Context, roomID, segmentID, wallet string, scope EntitlementScope) (*EntitlementRecord, error)
	CountEntitlements(ctx context.Context, roomID string, scope EntitlementScope) (int, error)

	// Payment signature replay records.
	GetPaymentSignature(ctx context.Context, signatureKey string) (*PaymentSignatureRecord, error)
	InsertPaymentSignature(ctx context.Context, rec *PaymentSignatureRecord) error

	// Song registry.
	InsertSong(ctx context.Context, s *SongRecord) error
	SearchSongs(ctx context.Context, query string, limit int) ([]SongRecord, error)

	// Attestation sweep bookkeeping.
	ListUnattestedEndedRooms(ctx context.Context, limit int) ([]RoomRecord, error)
	MarkRoomAttested(ctx context.Context, roomID string, at time.Time) error
	RecordAttestationFailure(ctx context.Context, f *AttestationFailure) error

	// Ping probes connectivity for the health endpoint.
	Ping(ctx context.Context) error
}

// KV is the minimal TTL key/value surface the auth layer needs. Redis
// in production; the in-memory implementation keeps keyless dev boots
// and tests working. Mirrors the minimal-client-interface approach of
// the hub store this was adapted from.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}
