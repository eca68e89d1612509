package store

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore implements Tabular on top of the Supabase REST API.
// Tables: rooms, participants, entitlements, payment_signatures, songs,
// attestation_failures.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates the production tabular store.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseStore{client: client}, nil
}

// ============================================================================
// ROOMS
// ============================================================================

func (s *SupabaseStore) UpsertRoom(ctx context.Context, room *RoomRecord) error {
	var result []RoomRecord
	_, err := s.client.From("rooms").
		Insert(room, true, "room_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", room.RoomID, err)
	}
	return nil
}

func (s *SupabaseStore) GetRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	var rooms []RoomRecord
	_, err := s.client.From("rooms").
		Select("*", "", false).
		Eq("room_id", roomID).
		ExecuteTo(&rooms)
	if err != nil {
		return nil, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}
	if len(rooms) == 0 {
		return nil, ErrNotFound
	}
	return &rooms[0], nil
}

func (s *SupabaseStore) DeleteRoom(ctx context.Context, roomID string) error {
	var result []RoomRecord
	_, err := s.client.From("rooms").
		Delete("", "").
		Eq("room_id", roomID).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PARTICIPANTS
// ============================================================================

func (s *SupabaseStore) UpsertParticipant(ctx context.Context, p *ParticipantRecord) error {
	var result []ParticipantRecord
	_, err := s.client.From("participants").
		Insert(p, true, "connection_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", p.ConnectionID, err)
	}
	return nil
}

func (s *SupabaseStore) MarkParticipantLeft(ctx context.Context, roomID, connectionID string, debitedSeconds int64, leftAt time.Time) error {
	var result []ParticipantRecord
	_, err := s.client.From("participants").
		Update(map[string]interface{}{
			"debited_seconds": debitedSeconds,
			"left_at":         leftAt,
		}, "", "").
		Eq("room_id", roomID).
		Eq("connection_id", connectionID).
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) ListOpenParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	var parts []ParticipantRecord
	_, err := s.client.From("participants").
		Select("*", "", false).
		Eq("room_id", roomID).
		Is("left_at", "null").
		ExecuteTo(&parts)
	return parts, err
}

// ============================================================================
// ENTITLEMENTS + PAYMENT SIGNATURES
// ============================================================================

func (s *SupabaseStore) InsertEntitlement(ctx context.Context, e *EntitlementRecord) error {
	var result []EntitlementRecord
	_, err := s.client.From("entitlements").
		Insert(e, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) GetEntitlement(ctx context.Context, roomID, segmentID, wallet string, scope EntitlementScope) (*EntitlementRecord, error) {
	var ents []EntitlementRecord
	_, err := s.client.From("entitlements").
		Select("*", "", false).
		Eq("room_id", roomID).
		Eq("segment_id", segmentID).
		Eq("wallet", wallet).
		Eq("scope", string(scope)).
		ExecuteTo(&ents)
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if len(ents) == 0 {
		return nil, ErrNotFound
	}
	return &ents[0], nil
}

func (s *SupabaseStore) CountEntitlements(ctx context.Context, roomID string, scope EntitlementScope) (int, error) {
	var ents []EntitlementRecord
	_, err := s.client.From("entitlements").
		Select("*", "", false).
		Eq("room_id", roomID).
		Eq("scope", string(scope)).
		ExecuteTo(&ents)
	return len(ents), err
}

func (s *SupabaseStore) GetPaymentSignature(ctx context.Context, signatureKey string) (*PaymentSignatureRecord, error) {
	var recs []PaymentSignatureRecord
	_, err := s.client.From("payment_signatures").
		Select("*", "", false).
		Eq("signature_key", signatureKey).
		ExecuteTo(&recs)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment signature: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

func (s *SupabaseStore) InsertPaymentSignature(ctx context.Context, rec *PaymentSignatureRecord) error {
	var result []PaymentSignatureRecord
	_, err := s.client.From("payment_signatures").
		Insert(rec, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ============================================================================
// SONG REGISTRY
// ============================================================================

func (s *SupabaseStore) InsertSong(ctx context.Context, song *SongRecord) error {
	var result []SongRecord
	_, err := s.client.From("songs").
		Insert(song, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) SearchSongs(ctx context.Context, query string, limit int) ([]SongRecord, error) {
	var songs []SongRecord
	pattern := "%" + query + "%"
	_, err := s.client.From("songs").
		Select("*", "", false).
		Or(fmt.Sprintf("title.ilike.%s,artist.ilike.%s", pattern, pattern), "").
		Limit(limit, "").
		ExecuteTo(&songs)
	return songs, err
}

// ============================================================================
// ATTESTATION SWEEP
// ============================================================================

func (s *SupabaseStore) ListUnattestedEndedRooms(ctx context.Context, limit int) ([]RoomRecord, error) {
	var rooms []RoomRecord
	_, err := s.client.From("rooms").
		Select("*", "", false).
		Eq("kind", string(RoomKindDuet)).
		Eq("status", string(RoomEnded)).
		Eq("attested", "false").
		Limit(limit, "").
		ExecuteTo(&rooms)
	return rooms, err
}

func (s *SupabaseStore) MarkRoomAttested(ctx context.Context, roomID string, at time.Time) error {
	var result []RoomRecord
	_, err := s.client.From("rooms").
		Update(map[string]interface{}{
			"attested":    true,
			"attested_at": at,
		}, "", "").
		Eq("room_id", roomID).
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) RecordAttestationFailure(ctx context.Context, f *AttestationFailure) error {
	var result []AttestationFailure
	_, err := s.client.From("attestation_failures").
		Insert(f, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// Ping checks connectivity by reading at most one room row.
func (s *SupabaseStore) Ping(ctx context.Context) error {
	var rooms []RoomRecord
	_, err := s.client.From("rooms").
		Select("room_id", "", false).
		Limit(1, "").
		ExecuteTo(&rooms)
	return err
}
