package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/store"
)

func (f *fixture) duetRoom(t *testing.T, roomID string) *Actor {
	t.Helper()
	a, err := f.reg.Create(context.Background(), Descriptor{
		RoomID:       roomID,
		Kind:         store.RoomKindDuet,
		HostWallet:   "0xhost",
		GuestWallet:  "0xguest",
		SplitAddress: "0xsplit",
		AssetID:      "usdc",
		NetworkID:    "base",
		LiveAmount:   500,
		ReplayAmount: 200,
	})
	require.NoError(t, err)
	a.nowFn = f.clock.now
	return a
}

func payChallenge(t *testing.T, ch *paygate.Challenge, wallet string) string {
	t.Helper()
	require.NotNil(t, ch)
	raw, err := json.Marshal(paygate.Envelope{
		Resource: ch.Resource,
		Wallet:   wallet,
		Amount:   ch.Amount,
		Asset:    ch.Asset,
		Network:  ch.Network,
		PayTo:    ch.PayTo,
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestStartIdempotentWhileLive(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	first, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	assert.NotEmpty(t, first.BridgeTicket)
	assert.NotEmpty(t, first.SegmentID)
	assert.False(t, first.AlreadyLive)

	second, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	assert.True(t, second.AlreadyLive)
	assert.Equal(t, first.BridgeTicket, second.BridgeTicket)
	assert.Equal(t, first.SegmentID, second.SegmentID)
}

func TestStartRequiresHost(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")

	_, err := a.Start(context.Background(), "0xguest")
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestStartOnFreeRoomRefused(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)

	_, err := a.Start(context.Background(), "0xhost")
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestStartAfterEndBeginsFreshSegment(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	first, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, "0xhost"))
	require.NoError(t, a.RecordingComplete(ctx, first.BridgeTicket, "blob://d1/seg-1"))

	second, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	assert.False(t, second.AlreadyLive)
	assert.NotEqual(t, first.SegmentID, second.SegmentID)
	assert.NotEqual(t, first.BridgeTicket, second.BridgeTicket)

	rec, err := f.tab.GetRoom(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomActive, rec.Status)
	assert.Empty(t, rec.ReplayBlobRef)
	assert.Nil(t, rec.EndedAt)
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	_, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, "0xhost"))
	require.NoError(t, a.End(ctx, "0xhost"))

	rec, err := f.tab.GetRoom(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomEnded, rec.Status)
	require.NotNil(t, rec.EndedAt)
}

func TestGuestAccept(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	// Not live yet.
	_, err := a.GuestAccept(ctx, "0xguest")
	assert.ErrorIs(t, err, ErrRoomNotLive)

	_, err = a.Start(ctx, "0xhost")
	require.NoError(t, err)

	_, err = a.GuestAccept(ctx, "0xstranger")
	assert.ErrorIs(t, err, ErrNotGuest)

	grant, err := a.GuestAccept(ctx, "0xguest")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
}

func TestBridgeTicketGuardsBroadcastOps(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	res, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)

	_, err = a.BridgeTokenRefresh(ctx, "forged")
	assert.ErrorIs(t, err, ErrBadTicket)
	assert.ErrorIs(t, a.BroadcastHeartbeat(ctx, "forged", "mic"), ErrBadTicket)

	grant, err := a.BridgeTokenRefresh(ctx, res.BridgeTicket)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.True(t, a.VerifyBridgeTicket(res.BridgeTicket))
}

func TestBroadcasterLiveness(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	res, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)

	// Live but no beat yet: offline.
	info := a.PublicInfo()
	assert.Equal(t, store.RoomActive, info.Status)
	assert.False(t, info.BroadcasterOnline)

	require.NoError(t, a.BroadcastHeartbeat(ctx, res.BridgeTicket, "camera"))
	info = a.PublicInfo()
	assert.True(t, info.BroadcasterOnline)
	assert.Equal(t, "camera", info.BroadcasterMode)

	// Three missed intervals flips the lobby view to offline.
	f.clock.advance(90 * time.Second)
	info = a.PublicInfo()
	assert.False(t, info.BroadcasterOnline)
}

func TestEnterPaymentFlow(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	start, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)

	// First contact: the challenge comes back with the 402.
	_, ch, err := a.Enter(ctx, "0xviewer", "")
	assert.ErrorIs(t, err, paygate.ErrPaymentRequired)
	require.NotNil(t, ch)
	assert.Equal(t, "500", ch.Amount)
	assert.Contains(t, ch.Resource, start.SegmentID)

	// Paying clears the gate and mints the viewer token.
	res, _, err := a.Enter(ctx, "0xviewer", payChallenge(t, ch, "0xviewer"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, start.SegmentID, res.SegmentID)

	// Re-entry within the window needs no signature at all.
	res, _, err = a.Enter(ctx, "0xviewer", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestEnterRejectsTamperedEnvelope(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	_, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)

	_, ch, err := a.Enter(ctx, "0xviewer", "")
	require.ErrorIs(t, err, paygate.ErrPaymentRequired)

	cheap := *ch
	cheap.Amount = "1"
	_, ch2, err := a.Enter(ctx, "0xviewer", payChallenge(t, &cheap, "0xviewer"))
	assert.ErrorIs(t, err, paygate.ErrInvalidPaymentSignature)
	assert.NotNil(t, ch2)
}

func TestReplayGatedFlow(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	start, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)

	// Replay before the room ends is refused.
	_, _, err = a.Replay(ctx, "0xviewer", "")
	assert.ErrorIs(t, err, ErrRoomNotLive)

	require.NoError(t, a.End(ctx, "0xhost"))

	// Ended but no blob yet.
	_, _, err = a.Replay(ctx, "0xviewer", "")
	assert.ErrorIs(t, err, ErrReplayNotReady)

	require.NoError(t, a.RecordingComplete(ctx, start.BridgeTicket, "blob://d1/seg-1"))

	_, ch, err := a.Replay(ctx, "0xviewer", "")
	assert.ErrorIs(t, err, paygate.ErrPaymentRequired)
	require.NotNil(t, ch)
	assert.Equal(t, "200", ch.Amount)

	res, _, err := a.Replay(ctx, "0xviewer", payChallenge(t, ch, "0xviewer"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "blob://d1/seg-1", res.BlobRef)
	assert.Equal(t, start.SegmentID, res.SegmentID)
	assert.Greater(t, res.ExpiresInSeconds, 0)

	// Paid once: subsequent replays ride the entitlement.
	res, _, err = a.Replay(ctx, "0xviewer", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
}

func TestReplayPublicMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.reg.Create(ctx, Descriptor{
		RoomID:       "d2",
		Kind:         store.RoomKindDuet,
		HostWallet:   "0xhost",
		SplitAddress: "0xsplit",
		AssetID:      "usdc",
		NetworkID:    "base",
		ReplayMode:   "public",
	})
	require.NoError(t, err)
	a.nowFn = f.clock.now

	start, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, "0xhost"))
	require.NoError(t, a.RecordingComplete(ctx, start.BridgeTicket, "blob://d2/seg-1"))

	// Public mode still gates on payment; it only marks the challenge
	// so the watch page can branch.
	_, ch, err := a.Replay(ctx, "0xviewer", "")
	assert.ErrorIs(t, err, paygate.ErrPaymentRequired)
	require.NotNil(t, ch)
	assert.Equal(t, "public", ch.Extensions["mode"])

	res, _, err := a.Replay(ctx, "0xviewer", payChallenge(t, ch, "0xviewer"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "blob://d2/seg-1", res.BlobRef)
}

func TestRecordingCompleteRequiresTicket(t *testing.T) {
	f := newFixture(t)
	a := f.duetRoom(t, "d1")
	ctx := context.Background()

	_, err := a.Start(ctx, "0xhost")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, "0xhost"))

	assert.ErrorIs(t, a.RecordingComplete(ctx, "forged", "blob://x"), ErrBadTicket)
}
