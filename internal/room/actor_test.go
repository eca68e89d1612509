package room

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceplane/backend/internal/agent"
	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/config"
	"github.com/voiceplane/backend/internal/ledger"
	"github.com/voiceplane/backend/internal/media"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/store"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}
func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type stubMinter struct {
	fail  bool
	count int
}

func (s *stubMinter) mint() (media.MintedToken, error) {
	if s.fail {
		return media.MintedToken{}, errors.New("token_mint_failed")
	}
	s.count++
	return media.MintedToken{Token: fmt.Sprintf("tok-%d", s.count), ExpiresInSeconds: 90}, nil
}

func (s *stubMinter) ShortToken(string, uint32) (media.MintedToken, error)       { return s.mint() }
func (s *stubMinter) BookedToken(string, uint32) (media.MintedToken, error)      { return s.mint() }
func (s *stubMinter) BroadcasterToken(string, uint32) (media.MintedToken, error) { return s.mint() }
func (s *stubMinter) ViewerToken(string, uint32) (media.MintedToken, error)      { return s.mint() }

type fixture struct {
	reg     *Registry
	tab     *store.MemoryStore
	credits *ledger.MemoryLedger
	minter  *stubMinter
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tab := store.NewMemoryStore()
	credits := ledger.NewMemoryLedger()
	minter := &stubMinter{}
	reg := NewRegistry(Deps{
		Store:  tab,
		KV:     store.NewMemoryKV(),
		Ledger: credits,
		Minter: minter,
		Gate:   paygate.NewGate(tab, nil, nil),
		Agent:  agent.Noop{},
		Replay: auth.NewSessions("test-secret"),
		Rooms: config.RoomsConfig{
			HeartbeatIntervalSeconds: 30,
			ShortTokenTTLSeconds:     90,
			BookedTokenTTLSeconds:    3600,
			RenewAfterSeconds:        75,
			RenewMinSeconds:          10,
			CreditsLowThreshold:      60,
			DefaultCapacity:          8,
			AccessWindowMinutes:      240,
		},
	})
	return &fixture{reg: reg, tab: tab, credits: credits, minter: minter, clock: newFakeClock()}
}

func (f *fixture) freeRoom(t *testing.T, roomID string, capacity int) *Actor {
	t.Helper()
	a, err := f.reg.Create(context.Background(), Descriptor{
		RoomID:     roomID,
		Kind:       store.RoomKindFree,
		HostWallet: "0xhost",
		Capacity:   capacity,
	})
	require.NoError(t, err)
	a.nowFn = f.clock.now
	return a
}

func (f *fixture) topup(t *testing.T, wallet string, seconds int64) {
	t.Helper()
	require.NoError(t, f.credits.Topup(context.Background(), wallet, seconds, "test"))
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desc := Descriptor{RoomID: "r1", Kind: store.RoomKindFree, HostWallet: "0xhost"}

	a, err := f.reg.Create(ctx, desc)
	require.NoError(t, err)
	b, err := f.reg.Create(ctx, desc)
	require.NoError(t, err)
	assert.Same(t, a, b)

	// Re-initialising under a different host is refused.
	_, err = f.reg.Create(ctx, Descriptor{RoomID: "r1", Kind: store.RoomKindFree, HostWallet: "0xother"})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestGetUnknownRoom(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRoomNotInitialized)
}

func TestJoinRequiresCredits(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)

	_, err := a.Join(context.Background(), "0xbroke", "conn-1")
	assert.ErrorIs(t, err, ErrCreditsExhausted)
}

func TestJoinGrantsTokenAndBalance(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)

	grant, err := a.Join(context.Background(), "0xalice", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", grant.Token)
	assert.Equal(t, 90, grant.TTLSeconds)
	assert.Equal(t, 30, grant.HeartbeatIntervalSeconds)
	assert.Equal(t, 75, grant.RenewAfterSeconds)
	require.NotNil(t, grant.Remaining)
	assert.Equal(t, int64(300), *grant.Remaining)

	snap := a.State()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, store.RoomActive, snap.Room.Status)
	assert.True(t, snap.AlarmSet)
}

func TestJoinCapacity(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 1)
	f.topup(t, "0xalice", 100)
	f.topup(t, "0xbob", 100)

	_, err := a.Join(context.Background(), "0xalice", "conn-1")
	require.NoError(t, err)
	_, err = a.Join(context.Background(), "0xbob", "conn-2")
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestRejoinSameConnectionRefreshesToken(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)
	grant, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", grant.Token)
	assert.Len(t, a.State().Participants, 1)
}

func TestJoinRejectsConnectionHeldByOtherWallet(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	f.topup(t, "0xbob", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(20 * time.Second)
	_, err = a.Join(ctx, "0xbob", "conn-1")
	assert.ErrorIs(t, err, ErrConnectionInUse)

	// The original holder keeps the seat and its metering anchor.
	res, err := a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Debited)

	bal, err := f.credits.GetBalance(ctx, "0xbob")
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal.Remaining)
	assert.Len(t, a.State().Participants, 1)
}

func TestVendorFailureLeavesNoParticipant(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	f.minter.fail = true

	_, err := a.Join(context.Background(), "0xalice", "conn-1")
	require.Error(t, err)

	open, err := f.tab.ListOpenParticipants(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, open)

	f.minter.fail = false
	_, err = a.Heartbeat(context.Background(), "conn-1")
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestHeartbeatMetersElapsedSeconds(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	res, err := a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Debited)
	assert.Equal(t, int64(270), res.Remaining)
	assert.Empty(t, res.Events)

	// Sub-second remainders stay unbilled.
	f.clock.advance(500 * time.Millisecond)
	res, err = a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Debited)
	assert.Equal(t, int64(270), res.Remaining)
}

func TestCreditsLowWarnsOnce(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 80)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	res, err := a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Remaining)
	assert.Equal(t, []string{EventCreditsLow}, res.Events)

	// The warning latches; it does not repeat while still low.
	f.clock.advance(10 * time.Second)
	res, err = a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestExhaustion(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 30)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(60 * time.Second)
	res, err := a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Debited) // clamped to what was left
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, []string{EventCreditsLow, EventCreditsExhausted}, res.Events)
}

func TestRenewDeniedNearExhaustion(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 35)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	res, err := a.Renew(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, res.Denied)
	assert.Equal(t, "credits_exhausted", res.Reason)
	assert.Equal(t, int64(5), res.Remaining)
	assert.Empty(t, res.Token)

	// Denial is not removal: the participant can still leave cleanly.
	_, err = a.Heartbeat(ctx, "conn-1")
	assert.NoError(t, err)
}

func TestRenewGrantsFreshToken(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(75 * time.Second)
	res, err := a.Renew(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, res.Denied)
	assert.Equal(t, "tok-2", res.Token)
	assert.Equal(t, 90, res.TTLSeconds)
	assert.Equal(t, int64(225), res.Remaining)
}

func TestLeaveMetersFinalIntervalAndClosesRoom(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(17 * time.Second)
	res, err := a.Leave(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(17), res.Debited)
	assert.Equal(t, int64(283), res.Remaining)

	rec, err := f.tab.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomClosed, rec.Status)
	require.NotNil(t, rec.ClosedAt)

	// The closed room refuses further joins after rehydration.
	b, err := f.reg.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = b.Join(ctx, "0xalice", "conn-2")
	assert.ErrorIs(t, err, ErrRoomNotLive)
}

func TestAlarmTickMetersAndEvicts(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 600)
	f.topup(t, "0xbob", 600)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-a")
	require.NoError(t, err)
	_, err = a.Join(ctx, "0xbob", "conn-b")
	require.NoError(t, err)

	// Alice keeps beating; Bob goes silent after join.
	f.clock.advance(60 * time.Second)
	_, err = a.Heartbeat(ctx, "conn-a")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second) // Bob silent for 90s = 3 intervals
	a.stopAlarm()
	a.tick()

	snap := a.State()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "0xalice", snap.Participants[0].Wallet)

	// Eviction billed nothing: silence after the last metering point is
	// not billable time.
	bal, err := f.credits.GetBalance(ctx, "0xbob")
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal.Remaining)

	// The tick metered Alice's 30 outstanding seconds.
	res, err := a.Heartbeat(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Debited)
	balA, err := f.credits.GetBalance(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(510), balA.Remaining)
}

func TestAlarmEventsDrainOnNextHeartbeat(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 80)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	// The alarm crosses the low threshold while the client is between
	// heartbeats; the event arrives with the next one.
	f.clock.advance(30 * time.Second)
	a.stopAlarm()
	a.tick()

	res, err := a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, []string{EventCreditsLow}, res.Events)
}

func TestTickClosesEmptiedRoom(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 600)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	f.clock.advance(90 * time.Second)
	a.stopAlarm()
	a.tick()

	rec, err := f.tab.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomClosed, rec.Status)
}

func TestRehydrationRestoresParticipants(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 300)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)

	// Simulate a process restart: new registry over the same store.
	reg2 := NewRegistry(f.reg.deps)
	b, err := reg2.Get(ctx, "r1")
	require.NoError(t, err)
	b.nowFn = f.clock.now

	snap := b.State()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "conn-1", snap.Participants[0].ConnectionID)

	_, err = b.Heartbeat(ctx, "conn-1")
	assert.NoError(t, err)
}

func TestHostCloseMetersEveryone(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xhost", 600)
	f.topup(t, "0xalice", 600)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xhost", "conn-host")
	require.NoError(t, err)
	_, err = a.Join(ctx, "0xalice", "conn-a")
	require.NoError(t, err)

	f.clock.advance(20 * time.Second)

	// Only the host may close.
	assert.ErrorIs(t, a.Close(ctx, "conn-a"), ErrNotHost)

	require.NoError(t, a.Close(ctx, "conn-host"))

	rec, err := f.tab.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomClosed, rec.Status)

	bal, err := f.credits.GetBalance(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(580), bal.Remaining)

	open, err := f.tab.ListOpenParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDestroyDropsDurableState(t *testing.T) {
	f := newFixture(t)
	a := f.freeRoom(t, "r1", 0)
	f.topup(t, "0xalice", 600)
	ctx := context.Background()

	_, err := a.Join(ctx, "0xalice", "conn-1")
	require.NoError(t, err)
	f.clock.advance(30 * time.Second)
	_, err = a.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)

	require.NoError(t, a.Destroy(ctx))
	require.NoError(t, a.Destroy(ctx))

	_, err = f.tab.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Prior debits stand.
	bal, err := f.credits.GetBalance(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(570), bal.Remaining)

	_, err = f.reg.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotInitialized)
}
