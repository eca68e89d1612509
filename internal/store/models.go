package store

import "time"

// RoomKind discriminates the two room flavours.
type RoomKind string

const (
	RoomKindFree RoomKind = "free"
	RoomKindDuet RoomKind = "duet"
)

// RoomStatus is the room lifecycle state.
type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomActive  RoomStatus = "active"
	RoomClosed  RoomStatus = "closed" // free rooms, auto-shut after emptying
	RoomEnded   RoomStatus = "ended"  // paid rooms, explicit host end
)

// RoomRecord is the durable form of a room. One row per room_id.
type RoomRecord struct {
	RoomID     string     `json:"room_id"`
	Kind       RoomKind   `json:"kind"`
	HostWallet string     `json:"host_wallet"`
	Status     RoomStatus `json:"status"`
	Channel    string     `json:"channel"`
	Capacity   int        `json:"capacity"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`

	// Duet (paid) fields.
	SplitAddress        string     `json:"split_address,omitempty"`
	GuestWallet         string     `json:"guest_wallet,omitempty"`
	AssetID             string     `json:"asset_id,omitempty"`
	NetworkID           string     `json:"network_id,omitempty"`
	LiveAmount          int64      `json:"live_amount,omitempty"`
	ReplayAmount        int64      `json:"replay_amount,omitempty"`
	AccessWindowMinutes int        `json:"access_window_minutes,omitempty"`
	ReplayMode          string     `json:"replay_mode,omitempty"` // worker_gated | public
	RecordingMode       string     `json:"recording_mode,omitempty"`
	SegmentID           string     `json:"segment_id,omitempty"`
	BridgeTicket        string     `json:"bridge_ticket,omitempty"`
	BroadcasterOnline   bool       `json:"broadcaster_online"`
	BroadcasterMode     string     `json:"broadcaster_mode,omitempty"` // mic | camera | screen
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	ReplayBlobRef       string     `json:"replay_blob_ref,omitempty"`

	Attested   bool       `json:"attested"`
	AttestedAt *time.Time `json:"attested_at,omitempty"`
}

// ParticipantRecord mirrors a room actor's participant entry. Written
// only by the owning actor; readers see eventually-consistent snapshots.
type ParticipantRecord struct {
	RoomID         string     `json:"room_id"`
	ConnectionID   string     `json:"connection_id"`
	Wallet         string     `json:"wallet"`
	VendorUID      uint32     `json:"vendor_uid"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastMeteredAt  time.Time  `json:"last_metered_at"`
	DebitedSeconds int64      `json:"debited_seconds"`
	WarnedLow      bool       `json:"warned_low"`
	Exhausted      bool       `json:"exhausted"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

// EntitlementScope is what an entitlement admits the wallet to.
type EntitlementScope string

const (
	ScopeLive   EntitlementScope = "live"
	ScopeReplay EntitlementScope = "replay"
)

// EntitlementRecord grants a wallet access to one room segment under a
// scope for a bounded window. Written only by the payment gate.
type EntitlementRecord struct {
	RoomID    string           `json:"room_id"`
	SegmentID string           `json:"segment_id"`
	Wallet    string           `json:"wallet"`
	Scope     EntitlementScope `json:"scope"`
	GrantedAt time.Time        `json:"granted_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// PaymentSignatureRecord pins an opaque payment signature to the wallet
// that first presented it, so a third party cannot replay it.
type PaymentSignatureRecord struct {
	SignatureKey string    `json:"signature_key"` // SHA3-256 of the raw envelope
	Resource     string    `json:"resource"`
	Wallet       string    `json:"wallet"`
	ReceivedAt   time.Time `json:"received_at"`
}

// SongRecord is one song-registry entry. Inserts are refused unless the
// attestation signature recovers to the controller wallet.
type SongRecord struct {
	SongID               string    `json:"song_id"`
	Title                string    `json:"title"`
	Artist               string    `json:"artist"`
	UpstreamIPID         string    `json:"upstream_ip_id"`
	ControllerWallet     string    `json:"controller_wallet"`
	PayoutChain          string    `json:"payout_chain"`
	PayoutAddress        string    `json:"payout_address"`
	UpstreamRoyaltyBps   int       `json:"upstream_royalty_bps"`
	AttestationSignature string    `json:"attestation_signature"`
	LicensePreset        string    `json:"license_preset,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// AttestationFailure records a sweep submission failure for one room so
// the next sweep retries it and operators can see why.
type AttestationFailure struct {
	RoomID   string    `json:"room_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
