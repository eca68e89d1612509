// Package songs is the licensed-song registry: a searchable catalog of
// upstream IP with payout routing. Registration is write-gated twice,
// by the admin bearer token at the HTTP surface and by the controller
// wallet's attestation signature here.
package songs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/store"
)

// searchLimit caps one search response.
const searchLimit = 25

// maxRoyaltyBps caps the upstream share at 100%.
const maxRoyaltyBps = 10000

// Registry wraps the song table with validation and the attestation
// signature gate.
type Registry struct {
	store  store.Tabular
	logger *log.Logger
	nowFn  func() time.Time
}

// NewRegistry creates the song registry.
func NewRegistry(tab store.Tabular) *Registry {
	return &Registry{
		store:  tab,
		logger: log.New(log.Writer(), "[Songs] ", log.LstdFlags),
		nowFn:  time.Now,
	}
}

// AttestationMessage is the exact message the controller wallet signs
// to attest a registration. Kept stable: stored signatures are
// re-verifiable against it.
func AttestationMessage(songID, upstreamIPID, payoutAddress string, royaltyBps int) string {
	return fmt.Sprintf("voiceplane song attestation: %s|%s|%s|%d",
		songID, upstreamIPID, payoutAddress, royaltyBps)
}

// Register validates and inserts one song. The attestation signature
// must recover to the controller wallet, which proves the party that
// controls the upstream IP consented to these payout terms.
func (r *Registry) Register(ctx context.Context, s *store.SongRecord) error {
	if s.Title == "" || s.Artist == "" || s.UpstreamIPID == "" {
		return fmt.Errorf("invalid_payload: title, artist, and upstream_ip_id are required")
	}
	if s.UpstreamRoyaltyBps < 0 || s.UpstreamRoyaltyBps > maxRoyaltyBps {
		return fmt.Errorf("invalid_payload: upstream_royalty_bps out of range")
	}

	controller, err := auth.NormalizeWallet(s.ControllerWallet)
	if err != nil {
		return fmt.Errorf("invalid_payload: %w", err)
	}
	s.ControllerWallet = controller

	if s.SongID == "" {
		s.SongID = uuid.NewString()
	}

	msg := AttestationMessage(s.SongID, s.UpstreamIPID, s.PayoutAddress, s.UpstreamRoyaltyBps)
	if err := auth.VerifyWalletSignature(controller, msg, s.AttestationSignature); err != nil {
		return err
	}

	s.CreatedAt = r.nowFn()
	if err := r.store.InsertSong(ctx, s); err != nil {
		return fmt.Errorf("store_unavailable: %w", err)
	}
	r.logger.Printf("✅ Registered song %s (%s by %s, controller=%s)", s.SongID, s.Title, s.Artist, controller)
	return nil
}

// Search matches title and artist, case-insensitively, capped at the
// registry's page size.
func (r *Registry) Search(ctx context.Context, query string) ([]store.SongRecord, error) {
	out, err := r.store.SearchSongs(ctx, query, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("store_unavailable: %w", err)
	}
	return out, nil
}
