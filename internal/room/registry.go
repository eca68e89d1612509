package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/voiceplane/backend/internal/agent"
	"github.com/voiceplane/backend/internal/config"
	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/ledger"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/store"
)

// Deps bundles everything an actor needs. One Deps value is shared by
// every actor in the registry.
type Deps struct {
	Store    store.Tabular
	KV       store.KV
	Ledger   ledger.Ledger
	Minter   TokenMinter
	Gate     *paygate.Gate
	Agent    agent.Orchestrator
	Emitter  events.Emitter
	Replay   ReplayTokenMinter
	Rooms    config.RoomsConfig
}

// ReplayTokenMinter issues the short-lived bearer tokens handed to
// replay viewers. *auth.Sessions satisfies it.
type ReplayTokenMinter interface {
	MintScoped(wallet, audience string, ttl time.Duration) (string, error)
}

// Registry owns the per-room actors. All room operations route through
// Get/Create so that at most one actor exists per room id in-process.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	deps   Deps
	tune   tuning
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		actors: make(map[string]*Actor),
		deps:   deps,
		tune:   tuningFrom(deps.Rooms),
		logger: log.New(log.Writer(), "[Rooms] ", log.LstdFlags),
	}
}

// Create initializes a room, spawning its actor. Idempotent: creating
// an already-initialized room with the same descriptor succeeds.
func (r *Registry) Create(ctx context.Context, desc Descriptor) (*Actor, error) {
	a := r.obtain(desc.RoomID)
	if err := a.Init(ctx, desc); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the live actor for roomID, hydrating it from the durable
// store when the process has no actor yet (restart recovery). Returns
// ErrRoomNotInitialized when no such room exists anywhere.
func (r *Registry) Get(ctx context.Context, roomID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[roomID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	rec, err := r.deps.Store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotInitialized
		}
		return nil, err
	}

	a := r.obtain(roomID)
	a.hydrate(rec)
	r.logger.Printf("♻️ Rehydrated room %s (kind=%s status=%s)", roomID, rec.Kind, rec.Status)
	return a, nil
}

// obtain returns the actor slot for roomID, creating an uninitialized
// one if needed.
func (r *Registry) obtain(roomID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[roomID]; ok {
		return a
	}
	a := &Actor{
		id:           roomID,
		deps:         r.deps,
		tune:         r.tune,
		registry:     r,
		logger:       r.logger,
		nowFn:        time.Now,
		participants: make(map[string]*Participant),
	}
	r.actors[roomID] = a
	return a
}

// release drops a destroyed actor from the map. Called by the actor
// itself once its room is closed and its alarm cancelled.
func (r *Registry) release(roomID string) {
	r.mu.Lock()
	delete(r.actors, roomID)
	r.mu.Unlock()
}

// Shutdown cancels every actor's alarm. Participant state stays in the
// durable store; actors rehydrate on the next boot.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stopAlarm()
	}
	r.logger.Printf("🧹 Registry shut down, %d actors parked", len(actors))
}
