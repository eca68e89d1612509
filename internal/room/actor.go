package room

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/store"
)

// Actor is the single writer for one room. Every exported method takes
// the actor mutex, so operations on one room serialise; operations on
// different rooms never contend.
type Actor struct {
	mu   sync.Mutex
	id   string
	deps Deps
	tune tuning

	registry *Registry
	logger   *log.Logger
	nowFn    func() time.Time

	room         *store.RoomRecord
	participants map[string]*Participant
	alarm        *time.Timer
	agentID      string
	destroyed    bool

	// lastSeen per connection, updated only by client-driven calls.
	// LastMeteredAt cannot serve as liveness because alarm ticks also
	// advance it.
	lastSeen map[string]time.Time

	// Duet broadcaster liveness, never persisted: a restarted process
	// reports the broadcaster offline until the next broadcast heartbeat.
	lastBroadcastBeat time.Time
}

// ============================================================================
// Lifecycle
// ============================================================================

// Init makes the room durable. Idempotent for a matching descriptor;
// re-initialising an existing room under a different host is refused.
func (a *Actor) Init(ctx context.Context, desc Descriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room != nil {
		if a.room.Kind == desc.Kind && a.room.HostWallet == desc.HostWallet {
			return nil
		}
		return ErrAlreadyInitialized
	}

	now := a.nowFn()
	rec := &store.RoomRecord{
		RoomID:     a.id,
		Kind:       desc.Kind,
		HostWallet: desc.HostWallet,
		Status:     store.RoomPending,
		Channel:    desc.Channel,
		Capacity:   desc.Capacity,
		CreatedAt:  now,
	}
	if rec.Channel == "" {
		rec.Channel = "vp-" + a.id
	}
	if rec.Capacity <= 0 {
		rec.Capacity = a.tune.defaultCap
	}
	if desc.Kind == store.RoomKindDuet {
		rec.SplitAddress = desc.SplitAddress
		rec.GuestWallet = desc.GuestWallet
		rec.AssetID = desc.AssetID
		rec.NetworkID = desc.NetworkID
		rec.LiveAmount = desc.LiveAmount
		rec.ReplayAmount = desc.ReplayAmount
		rec.AccessWindowMinutes = desc.AccessWindowMinutes
		rec.ReplayMode = desc.ReplayMode
		rec.RecordingMode = desc.RecordingMode
		if rec.AccessWindowMinutes <= 0 {
			rec.AccessWindowMinutes = a.tune.accessWindow
		}
		if rec.ReplayMode == "" {
			rec.ReplayMode = "worker_gated"
		}
	}

	if err := a.deps.Store.UpsertRoom(ctx, rec); err != nil {
		return err
	}
	a.room = rec
	if a.lastSeen == nil {
		a.lastSeen = make(map[string]time.Time)
	}

	activeRooms.WithLabelValues(string(desc.Kind)).Inc()
	a.logger.Printf("✅ Room %s created (kind=%s host=%s)", a.id, desc.Kind, desc.HostWallet)
	a.emit(events.TypeRoomCreated, map[string]interface{}{
		"kind": string(desc.Kind),
		"host": desc.HostWallet,
	})
	return nil
}

// hydrate restores an actor from its durable rows after a process
// restart. Liveness clocks restart from now: surviving participants get
// a full eviction grace and the broadcaster reads offline until it
// beats again.
func (a *Actor) hydrate(rec *store.RoomRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.room != nil {
		return
	}
	a.room = rec
	a.lastSeen = make(map[string]time.Time)

	open, err := a.deps.Store.ListOpenParticipants(context.Background(), a.id)
	if err != nil {
		a.logger.Printf("⚠️ Room %s: participant rehydration failed: %v", a.id, err)
		return
	}
	now := a.nowFn()
	for i := range open {
		p := open[i]
		a.participants[p.ConnectionID] = &Participant{
			ConnectionID:   p.ConnectionID,
			Wallet:         p.Wallet,
			VendorUID:      p.VendorUID,
			JoinedAt:       p.JoinedAt,
			LastMeteredAt:  now,
			DebitedSeconds: p.DebitedSeconds,
			WarnedLow:      p.WarnedLow,
			Exhausted:      p.Exhausted,
		}
		a.lastSeen[p.ConnectionID] = now
	}
	activeParticipants.Add(float64(len(open)))
	if rec.Kind == store.RoomKindFree && len(a.participants) > 0 {
		a.scheduleAlarmLocked()
	}
}

// ============================================================================
// Free (metered) room operations
// ============================================================================

// Join admits a wallet into a free room and returns its first media
// grant. The token is minted before the participant becomes durable, so
// a vendor failure leaves no metering obligation behind.
func (a *Actor) Join(ctx context.Context, wallet, connectionID string) (*JoinResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return nil, ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindFree {
		return nil, ErrWrongKind
	}
	if a.room.Status == store.RoomClosed || a.room.Status == store.RoomEnded {
		return nil, ErrRoomNotLive
	}

	// Same connection re-joining is a token refresh, not a second seat.
	// The same connection under another wallet is refused outright:
	// overwriting the seat would drop the holder without a final meter.
	if p, ok := a.participants[connectionID]; ok {
		if p.Wallet != wallet {
			return nil, ErrConnectionInUse
		}
		tok, err := a.deps.Minter.ShortToken(a.room.Channel, p.VendorUID)
		if err != nil {
			return nil, err
		}
		a.lastSeen[connectionID] = a.nowFn()
		tokensMinted.WithLabelValues("short").Inc()
		return a.grantLocked(tok.Token, tok.ExpiresInSeconds, nil), nil
	}

	if len(a.participants) >= a.room.Capacity {
		return nil, ErrRoomFull
	}

	bal, err := a.deps.Ledger.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if bal.Remaining <= 0 {
		return nil, ErrCreditsExhausted
	}

	uid := vendorUID(connectionID)
	tok, err := a.deps.Minter.ShortToken(a.room.Channel, uid)
	if err != nil {
		return nil, err
	}

	now := a.nowFn()
	p := &Participant{
		ConnectionID:  connectionID,
		Wallet:        wallet,
		VendorUID:     uid,
		JoinedAt:      now,
		LastMeteredAt: now,
	}
	if err := a.deps.Store.UpsertParticipant(ctx, participantRow(a.id, p)); err != nil {
		return nil, err
	}
	a.participants[connectionID] = p
	a.lastSeen[connectionID] = now

	if a.room.Status == store.RoomPending {
		a.room.Status = store.RoomActive
		if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
			a.logger.Printf("⚠️ Room %s: activate persist failed: %v", a.id, err)
		}
		a.startAgentLocked(ctx)
	}
	a.scheduleAlarmLocked()

	activeParticipants.Inc()
	tokensMinted.WithLabelValues("short").Inc()
	a.logger.Printf("✅ %s joined room %s as %s (remaining=%ds)", wallet, a.id, connectionID, bal.Remaining)
	a.emit(events.TypeParticipantJoin, map[string]interface{}{
		"wallet":        wallet,
		"connection_id": connectionID,
	})

	remaining := bal.Remaining
	return a.grantLocked(tok.Token, tok.ExpiresInSeconds, &remaining), nil
}

// Heartbeat meters the caller for the elapsed interval and reports the
// balance. Events raised by alarm ticks since the last call are drained
// into the response.
func (a *Actor) Heartbeat(ctx context.Context, connectionID string) (*MeterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.liveParticipantLocked(connectionID)
	if err != nil {
		return nil, err
	}
	a.lastSeen[connectionID] = a.nowFn()

	debited, remaining, evs, err := a.meterLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	heartbeatsTotal.Inc()
	return &MeterResult{
		Debited:   debited,
		Remaining: remaining,
		Events:    a.drainEventsLocked(p, evs),
	}, nil
}

// Renew meters first, then either refuses (leaving the participant in
// place to hear the denial and leave gracefully) or issues a fresh
// short token.
func (a *Actor) Renew(ctx context.Context, connectionID string) (*RenewResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.liveParticipantLocked(connectionID)
	if err != nil {
		return nil, err
	}
	a.lastSeen[connectionID] = a.nowFn()

	_, remaining, evs, err := a.meterLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	drained := a.drainEventsLocked(p, evs)

	if remaining < a.tune.renewMin {
		a.logger.Printf("🚫 Renew denied for %s in room %s (remaining=%ds)", p.Wallet, a.id, remaining)
		return &RenewResult{
			Denied:    true,
			Reason:    EventCreditsExhausted,
			Remaining: remaining,
			Events:    drained,
		}, nil
	}

	tok, err := a.deps.Minter.ShortToken(a.room.Channel, p.VendorUID)
	if err != nil {
		return nil, err
	}
	tokensMinted.WithLabelValues("short").Inc()
	return &RenewResult{
		Token:      tok.Token,
		TTLSeconds: tok.ExpiresInSeconds,
		Remaining:  remaining,
		Events:     drained,
	}, nil
}

// Leave meters the final partial interval and removes the participant.
// The last participant out closes the room.
func (a *Actor) Leave(ctx context.Context, connectionID string) (*MeterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.liveParticipantLocked(connectionID)
	if err != nil {
		return nil, err
	}

	debited, remaining, evs, err := a.meterLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	out := &MeterResult{
		Debited:   debited,
		Remaining: remaining,
		Events:    a.drainEventsLocked(p, evs),
	}

	a.removeParticipantLocked(ctx, p, "left")
	if len(a.participants) == 0 {
		a.closeLocked(ctx)
	}
	return out, nil
}

// Close is the host's shutdown of a free room: every participant gets a
// final meter and a left mark, then the room closes for good.
func (a *Actor) Close(ctx context.Context, hostConnectionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.liveParticipantLocked(hostConnectionID)
	if err != nil {
		return err
	}
	if p.Wallet != a.room.HostWallet {
		return ErrNotHost
	}

	for _, q := range a.snapshotParticipantsLocked() {
		if _, _, _, err := a.meterLocked(ctx, q); err != nil {
			a.logger.Printf("⚠️ Room %s: final meter for %s failed: %v", a.id, q.ConnectionID, err)
		}
		a.removeParticipantLocked(ctx, q, "closed")
	}
	a.closeLocked(ctx)
	return nil
}

// Destroy is the rollback path: durable state is dropped and the actor
// released. Debits already appended stand; nothing touches the ledger.
func (a *Actor) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil || a.destroyed {
		a.registry.release(a.id)
		return nil
	}
	a.stopAgentLocked(ctx)
	a.stopAlarmLocked()
	if err := a.deps.Store.DeleteRoom(ctx, a.id); err != nil {
		return fmt.Errorf("store_unavailable: %w", err)
	}
	activeParticipants.Sub(float64(len(a.participants)))
	activeRooms.WithLabelValues(string(a.room.Kind)).Dec()
	a.participants = map[string]*Participant{}
	a.room = nil
	a.destroyed = true
	a.logger.Printf("🧹 Room %s destroyed", a.id)
	a.registry.release(a.id)
	return nil
}

// State is the debug snapshot.
func (a *Actor) State() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.room == nil {
		return nil
	}
	snap := &Snapshot{
		Room:     *a.room,
		AgentID:  a.agentID,
		AlarmSet: a.alarm != nil,
	}
	for _, p := range a.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	return snap
}

// ============================================================================
// Metering
// ============================================================================

// meterLocked debits the whole seconds elapsed since the participant's
// last metering anchor, advances the anchor by exactly what was billed,
// and reports the threshold events this tick crossed. Partial seconds
// stay unbilled until they accumulate.
func (a *Actor) meterLocked(ctx context.Context, p *Participant) (int64, int64, []string, error) {
	now := a.nowFn()
	elapsed := int64(now.Sub(p.LastMeteredAt) / time.Second)
	if elapsed <= 0 {
		bal, err := a.deps.Ledger.GetBalance(ctx, p.Wallet)
		if err != nil {
			return 0, 0, nil, err
		}
		return 0, bal.Remaining, nil, nil
	}

	res, err := a.deps.Ledger.Debit(ctx, p.Wallet, elapsed, p.ConnectionID)
	if err != nil {
		return 0, 0, nil, err
	}
	p.LastMeteredAt = p.LastMeteredAt.Add(time.Duration(elapsed) * time.Second)
	p.DebitedSeconds += res.Debited
	debitedSecondsTotal.Add(float64(res.Debited))

	var evs []string
	if res.Remaining <= a.tune.creditsLow && !p.WarnedLow {
		p.WarnedLow = true
		evs = append(evs, EventCreditsLow)
		a.emit(events.TypeCreditsLow, map[string]interface{}{
			"wallet": p.Wallet, "remaining": res.Remaining,
		})
	}
	if res.Remaining == 0 && !p.Exhausted {
		p.Exhausted = true
		evs = append(evs, EventCreditsExhausted)
		a.logger.Printf("💰 Credits exhausted for %s in room %s", p.Wallet, a.id)
		a.emit(events.TypeCreditsExhausted, map[string]interface{}{
			"wallet": p.Wallet,
		})
	}

	if err := a.deps.Store.UpsertParticipant(ctx, participantRow(a.id, p)); err != nil {
		a.logger.Printf("⚠️ Room %s: participant persist failed: %v", a.id, err)
	}
	return res.Debited, res.Remaining, evs, nil
}

// drainEventsLocked merges alarm-raised events queued for p with the
// events raised by the current call, oldest first.
func (a *Actor) drainEventsLocked(p *Participant, fresh []string) []string {
	out := append(p.pendingEvents, fresh...)
	p.pendingEvents = nil
	if out == nil {
		out = []string{}
	}
	return out
}

// ============================================================================
// Alarm
// ============================================================================

// scheduleAlarmLocked arms the heartbeat-interval alarm if it is not
// already armed.
func (a *Actor) scheduleAlarmLocked() {
	if a.alarm != nil || a.destroyed {
		return
	}
	a.alarm = time.AfterFunc(a.tune.heartbeat, a.tick)
}

// stopAlarm cancels the alarm, if armed.
func (a *Actor) stopAlarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopAlarmLocked()
}

func (a *Actor) stopAlarmLocked() {
	if a.alarm != nil {
		a.alarm.Stop()
		a.alarm = nil
	}
}

// tick is the alarm body: meter every live participant, evict the ones
// that went silent, close the room if it emptied, then re-arm.
func (a *Actor) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed || a.room == nil {
		return
	}
	a.alarm = nil
	ctx := context.Background()
	now := a.nowFn()
	evictAfter := time.Duration(a.tune.evictFactor) * a.tune.heartbeat

	for _, p := range a.snapshotParticipantsLocked() {
		if now.Sub(a.lastSeen[p.ConnectionID]) >= evictAfter {
			// Missed heartbeats are not billable time.
			a.logger.Printf("⏰ Evicting %s from room %s after silence", p.Wallet, a.id)
			evictionsTotal.Inc()
			a.removeParticipantLocked(ctx, p, "evicted")
			continue
		}
		_, _, evs, err := a.meterLocked(ctx, p)
		if err != nil {
			a.logger.Printf("⚠️ Room %s: alarm metering %s failed: %v", a.id, p.ConnectionID, err)
			continue
		}
		// Alarm-raised events reach the client on its next call.
		p.pendingEvents = append(p.pendingEvents, evs...)
	}

	if len(a.participants) == 0 {
		a.closeLocked(ctx)
		return
	}
	a.scheduleAlarmLocked()
}

func (a *Actor) snapshotParticipantsLocked() []*Participant {
	out := make([]*Participant, 0, len(a.participants))
	for _, p := range a.participants {
		out = append(out, p)
	}
	return out
}

// ============================================================================
// Teardown
// ============================================================================

func (a *Actor) liveParticipantLocked(connectionID string) (*Participant, error) {
	if a.room == nil {
		return nil, ErrRoomNotInitialized
	}
	if a.room.Kind != store.RoomKindFree {
		return nil, ErrWrongKind
	}
	p, ok := a.participants[connectionID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

func (a *Actor) removeParticipantLocked(ctx context.Context, p *Participant, reason string) {
	if err := a.deps.Store.MarkParticipantLeft(ctx, a.id, p.ConnectionID, p.DebitedSeconds, a.nowFn()); err != nil {
		a.logger.Printf("⚠️ Room %s: mark-left persist failed: %v", a.id, err)
	}
	delete(a.participants, p.ConnectionID)
	delete(a.lastSeen, p.ConnectionID)
	activeParticipants.Dec()
	a.emit(events.TypeParticipantLeave, map[string]interface{}{
		"wallet":        p.Wallet,
		"connection_id": p.ConnectionID,
		"reason":        reason,
	})
}

// closeLocked ends a free room: durable status flip, agent shutdown,
// alarm cancel, actor release. The record survives for history; only
// the in-process actor goes away.
func (a *Actor) closeLocked(ctx context.Context) {
	if a.destroyed {
		return
	}
	now := a.nowFn()
	a.room.Status = store.RoomClosed
	a.room.ClosedAt = &now
	if err := a.deps.Store.UpsertRoom(ctx, a.room); err != nil {
		a.logger.Printf("⚠️ Room %s: close persist failed: %v", a.id, err)
	}
	a.stopAgentLocked(ctx)
	a.stopAlarmLocked()
	a.destroyed = true
	activeRooms.WithLabelValues(string(a.room.Kind)).Dec()
	a.logger.Printf("🧹 Room %s closed", a.id)
	a.emit(events.TypeRoomClosed, nil)
	a.registry.release(a.id)
}

// ============================================================================
// Agent + helpers
// ============================================================================

func (a *Actor) startAgentLocked(ctx context.Context) {
	if a.deps.Agent == nil || a.agentID != "" {
		return
	}
	id, err := a.deps.Agent.Start(ctx, a.room.Channel)
	if err != nil {
		// The room works without its agent; just log.
		a.logger.Printf("⚠️ Room %s: agent start failed: %v", a.id, err)
		return
	}
	a.agentID = id
}

func (a *Actor) stopAgentLocked(ctx context.Context) {
	if a.deps.Agent == nil || a.agentID == "" {
		return
	}
	if err := a.deps.Agent.Stop(ctx, a.agentID); err != nil {
		a.logger.Printf("⚠️ Room %s: agent stop failed: %v", a.id, err)
	}
	a.agentID = ""
}

func (a *Actor) grantLocked(token string, ttl int, remaining *int64) *JoinResult {
	return &JoinResult{
		Token:                    token,
		TTLSeconds:               ttl,
		HeartbeatIntervalSeconds: int(a.tune.heartbeat / time.Second),
		RenewAfterSeconds:        a.tune.renewAfter,
		Remaining:                remaining,
	}
}

func (a *Actor) emit(eventType string, data map[string]interface{}) {
	if a.deps.Emitter == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	a.deps.Emitter.Emit(eventType, "/rooms", a.id, data)
}

func participantRow(roomID string, p *Participant) *store.ParticipantRecord {
	return &store.ParticipantRecord{
		RoomID:         roomID,
		ConnectionID:   p.ConnectionID,
		Wallet:         p.Wallet,
		VendorUID:      p.VendorUID,
		JoinedAt:       p.JoinedAt,
		LastMeteredAt:  p.LastMeteredAt,
		DebitedSeconds: p.DebitedSeconds,
		WarnedLow:      p.WarnedLow,
		Exhausted:      p.Exhausted,
	}
}

// vendorUID derives the media vendor uid from the connection id. Uid 0
// is the vendor's wildcard, so it is never issued.
func vendorUID(connectionID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	uid := h.Sum32()
	if uid == 0 {
		uid = 1
	}
	return uid
}
