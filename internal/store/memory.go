package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Tabular implementation. It backs tests
// and keyless development boots; production uses SupabaseStore.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[string]RoomRecord
	participants map[string]map[string]ParticipantRecord // roomID -> connectionID
	entitlements []EntitlementRecord
	signatures   map[string]PaymentSignatureRecord
	songs        []SongRecord
	failures     []AttestationFailure
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]RoomRecord),
		participants: make(map[string]map[string]ParticipantRecord),
		signatures:   make(map[string]PaymentSignatureRecord),
	}
}

func (m *MemoryStore) UpsertRoom(ctx context.Context, room *RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.RoomID] = *room
	return nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.participants, roomID)
	return nil
}

func (m *MemoryStore) UpsertParticipant(ctx context.Context, p *ParticipantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.RoomID]; !ok {
		m.participants[p.RoomID] = make(map[string]ParticipantRecord)
	}
	m.participants[p.RoomID][p.ConnectionID] = *p
	return nil
}

func (m *MemoryStore) MarkParticipantLeft(ctx context.Context, roomID, connectionID string, debitedSeconds int64, leftAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.participants[roomID]; ok {
		if p, ok := conns[connectionID]; ok {
			p.DebitedSeconds = debitedSeconds
			p.LeftAt = &leftAt
			conns[connectionID] = p
		}
	}
	return nil
}

func (m *MemoryStore) ListOpenParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []ParticipantRecord
	for _, p := range m.participants[roomID] {
		if p.LeftAt == nil {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].JoinedAt.Before(open[j].JoinedAt) })
	return open, nil
}

func (m *MemoryStore) InsertEntitlement(ctx context.Context, e *EntitlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entitlements = append(m.entitlements, *e)
	return nil
}

func (m *MemoryStore) GetEntitlement(ctx context.Context, roomID, segmentID, wallet string, scope EntitlementScope) (*EntitlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.entitlements {
		e := m.entitlements[i]
		if e.RoomID == roomID && e.SegmentID == segmentID && e.Wallet == wallet && e.Scope == scope {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CountEntitlements(ctx context.Context, roomID string, scope EntitlementScope) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entitlements {
		if e.RoomID == roomID && e.Scope == scope {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetPaymentSignature(ctx context.Context, signatureKey string) (*PaymentSignatureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.signatures[signatureKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) InsertPaymentSignature(ctx context.Context, rec *PaymentSignatureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[rec.SignatureKey] = *rec
	return nil
}

func (m *MemoryStore) InsertSong(ctx context.Context, s *SongRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.songs = append(m.songs, *s)
	return nil
}

func (m *MemoryStore) SearchSongs(ctx context.Context, query string, limit int) ([]SongRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var out []SongRecord
	for _, s := range m.songs {
		if strings.Contains(strings.ToLower(s.Title), q) || strings.Contains(strings.ToLower(s.Artist), q) {
			out = append(out, s)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnattestedEndedRooms(ctx context.Context, limit int) ([]RoomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoomRecord
	for _, r := range m.rooms {
		if r.Kind == RoomKindDuet && r.Status == RoomEnded && !r.Attested {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkRoomAttested(ctx context.Context, roomID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		r.Attested = true
		r.AttestedAt = &at
		m.rooms[roomID] = r
	}
	return nil
}

func (m *MemoryStore) RecordAttestationFailure(ctx context.Context, f *AttestationFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, *f)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// ============================================================================
// MEMORY KV
// ============================================================================

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV is the in-process KV used when REDIS_ADDR is unset.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]kvEntry)}
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.entries[key] = kvEntry{value: value, expiresAt: exp}
	return nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}
