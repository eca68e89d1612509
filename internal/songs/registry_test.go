package songs

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/store"
)

func newController(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func signAttestation(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func attestedSong(t *testing.T, key *ecdsa.PrivateKey, controller string) *store.SongRecord {
	t.Helper()
	song := &store.SongRecord{
		SongID:             "song-1",
		Title:              "Midnight Duet",
		Artist:             "The Examples",
		UpstreamIPID:       "ip-asset-42",
		ControllerWallet:   controller,
		PayoutChain:        "base",
		PayoutAddress:      "0xpayout",
		UpstreamRoyaltyBps: 1500,
	}
	msg := AttestationMessage(song.SongID, song.UpstreamIPID, song.PayoutAddress, song.UpstreamRoyaltyBps)
	song.AttestationSignature = signAttestation(t, key, msg)
	return song
}

func TestRegisterAndSearch(t *testing.T) {
	tab := store.NewMemoryStore()
	r := NewRegistry(tab)
	key, controller := newController(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, attestedSong(t, key, controller)))

	found, err := r.Search(ctx, "midnight")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "song-1", found[0].SongID)
	assert.False(t, found[0].CreatedAt.IsZero())

	byArtist, err := r.Search(ctx, "examples")
	require.NoError(t, err)
	assert.Len(t, byArtist, 1)

	none, err := r.Search(ctx, "nomatch")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegisterRejectsForgedAttestation(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	_, controller := newController(t)
	otherKey, _ := newController(t)

	// Signed by a key that does not control the claimed wallet.
	song := attestedSong(t, otherKey, controller)
	assert.ErrorIs(t, r.Register(context.Background(), song), auth.ErrInvalidSignature)
}

func TestRegisterRejectsTamperedTerms(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	key, controller := newController(t)

	song := attestedSong(t, key, controller)
	// Royalty changed after signing.
	song.UpstreamRoyaltyBps = 100
	assert.ErrorIs(t, r.Register(context.Background(), song), auth.ErrInvalidSignature)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	key, controller := newController(t)
	ctx := context.Background()

	missing := attestedSong(t, key, controller)
	missing.Title = ""
	assert.Error(t, r.Register(ctx, missing))

	badBps := attestedSong(t, key, controller)
	badBps.UpstreamRoyaltyBps = 10001
	assert.Error(t, r.Register(ctx, badBps))

	badWallet := attestedSong(t, key, controller)
	badWallet.ControllerWallet = "not-a-wallet"
	assert.Error(t, r.Register(ctx, badWallet))
}

func TestRegisterAssignsSongID(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	key, controller := newController(t)

	song := attestedSong(t, key, controller)
	song.SongID = ""
	// The attestation covers the generated id, so it must be signed
	// after assignment; an empty-id submission cannot be pre-signed.
	err := r.Register(context.Background(), song)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
	assert.NotEmpty(t, song.SongID)
}
