// Package room hosts the per-room state machines. Exactly one live
// actor exists per room id; the actor exclusively owns its participant
// set and heartbeat alarm, and is the only writer of its durable rows.
package room

import (
	"errors"
	"time"

	"github.com/voiceplane/backend/internal/config"
	"github.com/voiceplane/backend/internal/media"
	"github.com/voiceplane/backend/internal/store"
)

// State errors. Handlers map these onto the 4xx taxonomy.
var (
	ErrRoomNotInitialized  = errors.New("room_not_initialized")
	ErrAlreadyInitialized  = errors.New("already_initialized")
	ErrRoomFull            = errors.New("room_full")
	ErrRoomNotLive         = errors.New("room_not_live")
	ErrParticipantNotFound = errors.New("participant_not_found")
	ErrConnectionInUse     = errors.New("connection_in_use")
	ErrCreditsExhausted    = errors.New("credits_exhausted")
	ErrNotHost             = errors.New("unauthorized")
	ErrNotGuest            = errors.New("unauthorized")
	ErrBadTicket           = errors.New("unauthorized")
	ErrWrongKind           = errors.New("room_not_live") // op not valid for this room kind
	ErrReplayNotReady      = errors.New("room_not_live") // replay blob not yet registered
)

// Events surfaced inline to metered callers.
const (
	EventCreditsLow       = "credits_low"
	EventCreditsExhausted = "credits_exhausted"
)

// Participant is one joined connection. A wallet may rejoin under a
// fresh connection id; debited_seconds only ever grows.
type Participant struct {
	ConnectionID   string    `json:"connection_id"`
	Wallet         string    `json:"wallet"`
	VendorUID      uint32    `json:"vendor_uid"`
	JoinedAt       time.Time `json:"joined_at"`
	LastMeteredAt  time.Time `json:"last_metered_at"`
	DebitedSeconds int64     `json:"debited_seconds"`
	WarnedLow      bool      `json:"warned_low"`
	Exhausted      bool      `json:"exhausted"`

	// Events raised by alarm ticks, drained by this participant's next
	// heartbeat or renew call.
	pendingEvents []string
}

// Descriptor is the idempotent init payload for a room.
type Descriptor struct {
	RoomID     string
	Kind       store.RoomKind
	HostWallet string
	Channel    string
	Capacity   int

	// Duet fields; ignored for free rooms.
	SplitAddress        string
	GuestWallet         string
	AssetID             string
	NetworkID           string
	LiveAmount          int64
	ReplayAmount        int64
	AccessWindowMinutes int
	ReplayMode          string
	RecordingMode       string
}

// JoinResult is the grant a successful join returns.
type JoinResult struct {
	Token                    string `json:"token"`
	TTLSeconds               int    `json:"ttl"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval,omitempty"`
	RenewAfterSeconds        int    `json:"renew_after,omitempty"`
	Remaining                *int64 `json:"remaining,omitempty"` // free rooms only
}

// MeterResult reports one meter tick for one participant.
type MeterResult struct {
	Debited   int64    `json:"debited"`
	Remaining int64    `json:"remaining"`
	Events    []string `json:"events"`
}

// RenewResult is either a fresh grant or a denial.
type RenewResult struct {
	Denied     bool     `json:"denied,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Token      string   `json:"token,omitempty"`
	TTLSeconds int      `json:"ttl,omitempty"`
	Remaining  int64    `json:"remaining"`
	Events     []string `json:"events"`
}

// StartResult is the host's paid-room start grant.
type StartResult struct {
	BridgeTicket string `json:"bridge_ticket"`
	SegmentID    string `json:"segment_id"`
	AlreadyLive  bool   `json:"already_live,omitempty"`
}

// EnterResult is the viewer grant after the payment gate clears.
type EnterResult struct {
	Token      string `json:"agora_viewer_token"`
	TTLSeconds int    `json:"ttl"`
	SegmentID  string `json:"segment_id"`
}

// PublicInfo is the unauthenticated lobby view.
type PublicInfo struct {
	Status            store.RoomStatus `json:"status"`
	BroadcasterOnline bool             `json:"broadcaster_online"`
	BroadcasterMode   string           `json:"broadcaster_mode,omitempty"`
	SegmentID         string           `json:"segment_id,omitempty"`
}

// Snapshot is the debug read-only view of an actor.
type Snapshot struct {
	Room         store.RoomRecord `json:"room"`
	Participants []Participant    `json:"participants"`
	AgentID      string           `json:"agent_id,omitempty"`
	AlarmSet     bool             `json:"alarm_set"`
}

// TokenMinter is the slice of the media minter the actors need.
// *media.Minter satisfies it; tests inject a stub.
type TokenMinter interface {
	ShortToken(channel string, vendorUID uint32) (media.MintedToken, error)
	BookedToken(channel string, vendorUID uint32) (media.MintedToken, error)
	BroadcasterToken(channel string, vendorUID uint32) (media.MintedToken, error)
	ViewerToken(channel string, vendorUID uint32) (media.MintedToken, error)
}

// tuning derives the actor timing knobs from config. Token TTLs are
// not here: the minter owns those.
type tuning struct {
	heartbeat    time.Duration
	renewAfter   int
	renewMin     int64
	creditsLow   int64
	evictFactor  int
	defaultCap   int
	accessWindow int
}

func tuningFrom(cfg config.RoomsConfig) tuning {
	return tuning{
		heartbeat:    time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		renewAfter:   cfg.RenewAfterSeconds,
		renewMin:     int64(cfg.RenewMinSeconds),
		creditsLow:   int64(cfg.CreditsLowThreshold),
		evictFactor:  3,
		defaultCap:   cfg.DefaultCapacity,
		accessWindow: cfg.AccessWindowMinutes,
	}
}
