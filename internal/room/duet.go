package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/store"
)

// bridgeTicketTTL bounds how long a broadcast bridge ticket stays
// resolvable in the KV after its last heartbeat. Generous: the ticket
// must outlive the stream so the recording worker can still report in.
const bridgeTicketTTL = 24 * time.Hour

// ReplayResult is the replay grant: a bearer token scoped to this
// room's replay stream plus the blob the player should fetch.
type ReplayResult struct {
	AccessToken      string `json:"access_token"`
	BlobRef          string `json:"blob_ref"`
	ExpiresInSeconds int    `json:"expires_in"`
	SegmentID        string `json:"segment_id"`
}

// ============================================================================
// Host lifecycle
// ============================================================================

// Start flips a paid room live. Idempotent while live: the host gets
// the same bridge ticket back. Starting an ended room begins a fresh
// segment, which by construction strands every prior entitlement.
func (a *Actor) Start(ctx context.Context, hostWallet string) (*StartResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetHostLocked(hostWallet); err != nil {
		return nil, err
	}

	if a.room.Status == store.RoomActive && a.room.BridgeTicket != "" {
		return &StartResult{
			BridgeTicket: a.room.BridgeTicket,
			SegmentID:    a.room.SegmentID,
			AlreadyLive:  true,
		}, nil
	}

	ticket, err := newBridgeTicket()
	if err != nil {
		return nil, err
	}
	a.room.SegmentID = uuid.NewString()
	a.room.BridgeTicket = ticket
	a.room.Status = store.RoomActive
	a.room.BroadcasterOnline = false
	a.room.BroadcasterMode = ""
	a.room.EndedAt = nil
	a.room.ReplayBlobRef = ""
	a.room.Attested = false
	a.room.AttestedAt = nil
	a.lastBroadcastBeat = time.Time{}

	if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
		return nil, err
	}
	if a.deps.KV != nil {
		if err := a.deps.KV.Set(ctx, bridgeKey(ticket), []byte(a.id), bridgeTicketTTL); err != nil {
			a.logger.Printf("⚠️ Room %s: bridge ticket store failed: %v", a.id, err)
		}
	}

	a.logger.Printf("✅ Duet room %s live (segment=%s)", a.id, a.room.SegmentID)
	return &StartResult{BridgeTicket: ticket, SegmentID: a.room.SegmentID}, nil
}

// GuestAccept hands the invited guest their publishing grant. Only the
// wallet named at creation can accept.
func (a *Actor) GuestAccept(ctx context.Context, guestWallet string) (*JoinResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetLiveLocked(); err != nil {
		return nil, err
	}
	if a.room.GuestWallet == "" || guestWallet != a.room.GuestWallet {
		return nil, ErrNotGuest
	}

	tok, err := a.deps.Minter.BookedToken(a.room.Channel, vendorUID("guest:"+a.id))
	if err != nil {
		return nil, err
	}
	tokensMinted.WithLabelValues("booked").Inc()
	a.logger.Printf("✅ Guest %s accepted duet %s", guestWallet, a.id)
	return &JoinResult{Token: tok.Token, TTLSeconds: tok.ExpiresInSeconds}, nil
}

// End shuts the paid room down. Idempotent. The bridge ticket stays
// resolvable so the recording worker can still deliver the replay blob.
func (a *Actor) End(ctx context.Context, hostWallet string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetHostLocked(hostWallet); err != nil {
		return err
	}
	if a.room.Status == store.RoomEnded {
		return nil
	}
	if a.room.Status != store.RoomActive {
		return ErrRoomNotLive
	}

	now := a.nowFn()
	a.room.Status = store.RoomEnded
	a.room.EndedAt = &now
	a.room.BroadcasterOnline = false
	if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
		return err
	}
	a.logger.Printf("🧹 Duet room %s ended (segment=%s)", a.id, a.room.SegmentID)
	a.emit(events.TypeRoomEnded, map[string]interface{}{
		"segment_id": a.room.SegmentID,
	})
	return nil
}

// ============================================================================
// Broadcast bridge
// ============================================================================

// VerifyBridgeTicket reports whether ticket is the room's current one.
func (a *Actor) VerifyBridgeTicket(ticket string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room != nil && ticket != "" && ticket == a.room.BridgeTicket
}

// BridgeTokenRefresh mints the broadcaster's next publishing token.
func (a *Actor) BridgeTokenRefresh(ctx context.Context, ticket string) (*JoinResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetLiveLocked(); err != nil {
		return nil, err
	}
	if ticket == "" || ticket != a.room.BridgeTicket {
		return nil, ErrBadTicket
	}

	tok, err := a.deps.Minter.BroadcasterToken(a.room.Channel, vendorUID("broadcaster:"+a.id))
	if err != nil {
		return nil, err
	}
	tokensMinted.WithLabelValues("broadcaster").Inc()
	return &JoinResult{Token: tok.Token, TTLSeconds: tok.ExpiresInSeconds}, nil
}

// BroadcastHeartbeat records broadcaster liveness. mode is advisory
// (mic, camera, screen) and only surfaces through the public lobby view.
func (a *Actor) BroadcastHeartbeat(ctx context.Context, ticket, mode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetLiveLocked(); err != nil {
		return err
	}
	if ticket == "" || ticket != a.room.BridgeTicket {
		return ErrBadTicket
	}

	a.lastBroadcastBeat = a.nowFn()
	changed := !a.room.BroadcasterOnline || (mode != "" && mode != a.room.BroadcasterMode)
	a.room.BroadcasterOnline = true
	if mode != "" {
		a.room.BroadcasterMode = mode
	}
	if changed {
		if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
			a.logger.Printf("⚠️ Room %s: broadcaster persist failed: %v", a.id, err)
		}
	}
	if a.deps.KV != nil {
		_ = a.deps.KV.Set(ctx, bridgeKey(ticket), []byte(a.id), bridgeTicketTTL)
	}
	return nil
}

// RecordingComplete registers the uploaded replay blob. Called by the
// recording worker, authenticated by the bridge ticket, typically after
// the room has ended.
func (a *Actor) RecordingComplete(ctx context.Context, ticket, blobRef string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindDuet {
		return ErrWrongKind
	}
	if ticket == "" || ticket != a.room.BridgeTicket {
		return ErrBadTicket
	}

	a.room.ReplayBlobRef = blobRef
	if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
		return err
	}
	a.logger.Printf("✅ Replay blob registered for room %s (segment=%s)", a.id, a.room.SegmentID)
	return nil
}

// PublicInfo is the unauthenticated lobby view. Broadcaster liveness is
// computed from the in-memory beat clock, so a silent broadcaster reads
// offline within three heartbeat intervals with no alarm involved.
func (a *Actor) PublicInfo() *PublicInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.room == nil {
		return nil
	}
	stale := time.Duration(a.tune.evictFactor) * a.tune.heartbeat
	online := a.room.Status == store.RoomActive &&
		!a.lastBroadcastBeat.IsZero() &&
		a.nowFn().Sub(a.lastBroadcastBeat) < stale
	return &PublicInfo{
		Status:            a.room.Status,
		BroadcasterOnline: online,
		BroadcasterMode:   a.room.BroadcasterMode,
		SegmentID:         a.room.SegmentID,
	}
}

// ============================================================================
// Paid viewing
// ============================================================================

// Enter admits a paying viewer to the live stream. The first call with
// no signature yields ErrPaymentRequired plus the challenge to put in
// the 402 header; a wallet holding an unexpired live entitlement for
// the current segment re-enters without paying again.
func (a *Actor) Enter(ctx context.Context, wallet, signatureHeader string) (*EnterResult, *paygate.Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.duetLiveLocked(); err != nil {
		return nil, nil, err
	}

	if !a.deps.Gate.HasEntitlement(ctx, a.room, wallet, store.ScopeLive) {
		challenge := paygate.ChallengeFor(a.room, "enter", store.ScopeLive)
		if signatureHeader == "" {
			return nil, &challenge, paygate.ErrPaymentRequired
		}
		if _, err := a.deps.Gate.VerifyAndGrant(ctx, a.room, challenge, wallet, signatureHeader, store.ScopeLive); err != nil {
			return nil, &challenge, err
		}
	}

	tok, err := a.deps.Minter.ViewerToken(a.room.Channel, vendorUID(wallet+":"+a.room.SegmentID))
	if err != nil {
		return nil, nil, err
	}
	tokensMinted.WithLabelValues("viewer").Inc()
	return &EnterResult{
		Token:      tok.Token,
		TTLSeconds: tok.ExpiresInSeconds,
		SegmentID:  a.room.SegmentID,
	}, nil, nil
}

// Replay grants access to the recorded stream of an ended room. Both
// replay modes run the same pay-or-reuse flow as Enter against the
// replay price; the room's mode only changes the challenge the client
// sees, via the extensions block.
func (a *Actor) Replay(ctx context.Context, wallet, signatureHeader string) (*ReplayResult, *paygate.Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return nil, nil, ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindDuet {
		return nil, nil, ErrWrongKind
	}
	if a.room.Status != store.RoomEnded {
		return nil, nil, ErrRoomNotLive
	}
	if a.room.ReplayBlobRef == "" {
		return nil, nil, ErrReplayNotReady
	}

	window := time.Duration(a.room.AccessWindowMinutes) * time.Minute

	expiry := a.nowFn().Add(window)
	if ent, err := a.deps.Store.GetEntitlement(ctx, a.id, a.room.SegmentID, wallet, store.ScopeReplay); err == nil && a.nowFn().Before(ent.ExpiresAt) {
		expiry = ent.ExpiresAt
	} else {
		challenge := paygate.ChallengeFor(a.room, "replay", store.ScopeReplay)
		if signatureHeader == "" {
			return nil, &challenge, paygate.ErrPaymentRequired
		}
		granted, err := a.deps.Gate.VerifyAndGrant(ctx, a.room, challenge, wallet, signatureHeader, store.ScopeReplay)
		if err != nil {
			return nil, &challenge, err
		}
		expiry = granted.ExpiresAt
	}

	ttl := expiry.Sub(a.nowFn())
	if ttl <= 0 {
		challenge := paygate.ChallengeFor(a.room, "replay", store.ScopeReplay)
		return nil, &challenge, paygate.ErrPaymentRequired
	}
	token, err := a.deps.Replay.MintScoped(wallet, a.id, ttl)
	if err != nil {
		return nil, nil, err
	}
	return a.replayGrantLocked(token, ttl), nil, nil
}

func (a *Actor) replayGrantLocked(token string, ttl time.Duration) *ReplayResult {
	tokensMinted.WithLabelValues("replay").Inc()
	return &ReplayResult{
		AccessToken:      token,
		BlobRef:          a.room.ReplayBlobRef,
		ExpiresInSeconds: int(ttl / time.Second),
		SegmentID:        a.room.SegmentID,
	}
}

// ============================================================================
// Guards + helpers
// ============================================================================

func (a *Actor) duetHostLocked(wallet string) error {
	if a.room == nil {
		return ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindDuet {
		return ErrWrongKind
	}
	if wallet == "" || wallet != a.room.HostWallet {
		return ErrNotHost
	}
	return nil
}

func (a *Actor) duetLiveLocked() error {
	if a.room == nil {
		return ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindDuet {
		return ErrWrongKind
	}
	if a.room.Status != store.RoomActive {
		return ErrRoomNotLive
	}
	return nil
}

func bridgeKey(ticket string) string {
	return "bridge:" + ticket
}

func newBridgeTicket() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
