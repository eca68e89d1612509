// Package media is the sole constructor of vendor media-access tokens.
// Nothing here persists; callers get {token, expires_in_seconds} and
// renew before expiry.
package media

import (
	"bytes"
	"compress/zlib"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// tokenVersion is the vendor's versioned token prefix.
const tokenVersion = "007"

// Role decides which channel privileges a token carries.
type Role int

const (
	// RolePublisher may join, publish audio/video, and subscribe.
	RolePublisher Role = iota + 1
	// RoleSubscriber may join and subscribe only.
	RoleSubscriber
)

// Default token TTLs (seconds). Short tokens are the free-room grant
// and are renewed; booked tokens cover a paid segment in a single
// issuance. Both are overridable via WithTTLs.
const (
	ShortTTLSeconds  = 90
	BookedTTLSeconds = 3600
)

// MintedToken is what callers hand to the media vendor's SDK.
type MintedToken struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// Minter builds vendor-compatible media tokens from the app credential
// pair. The all-zero certificate placeholder is a valid configuration
// (tokens mint but the vendor will reject them, which is fine for dev).
type Minter struct {
	appID     string
	appCert   string
	shortTTL  int
	bookedTTL int
	nowFn     func() time.Time
}

// NewMinter creates a token minter with the default TTLs.
func NewMinter(appID, appCert string) *Minter {
	return &Minter{
		appID:     appID,
		appCert:   appCert,
		shortTTL:  ShortTTLSeconds,
		bookedTTL: BookedTTLSeconds,
		nowFn:     time.Now,
	}
}

// WithTTLs overrides the short and booked token lifetimes. Zero or
// negative values keep the current setting.
func (m *Minter) WithTTLs(shortSeconds, bookedSeconds int) *Minter {
	if shortSeconds > 0 {
		m.shortTTL = shortSeconds
	}
	if bookedSeconds > 0 {
		m.bookedTTL = bookedSeconds
	}
	return m
}

// ShortToken mints the renewable free-room grant (publisher).
func (m *Minter) ShortToken(channel string, vendorUID uint32) (MintedToken, error) {
	return m.build(channel, vendorUID, RolePublisher, m.shortTTL)
}

// BookedToken mints the paid-room grant (publisher). Issued once per
// segment.
func (m *Minter) BookedToken(channel string, vendorUID uint32) (MintedToken, error) {
	return m.build(channel, vendorUID, RolePublisher, m.bookedTTL)
}

// BroadcasterToken mints the duet host's publishing token.
func (m *Minter) BroadcasterToken(channel string, vendorUID uint32) (MintedToken, error) {
	return m.build(channel, vendorUID, RolePublisher, m.bookedTTL)
}

// ViewerToken mints a subscribe-only token for duet audiences.
func (m *Minter) ViewerToken(channel string, vendorUID uint32) (MintedToken, error) {
	return m.build(channel, vendorUID, RoleSubscriber, m.bookedTTL)
}

// build assembles the vendor token: a packed message (app id, channel,
// uid, privilege bitmap, issue/expiry timestamps, random salt) signed
// with HMAC-SHA256 under a key derived from the app certificate, then
// zlib-deflated, base64-encoded, and version-prefixed.
func (m *Minter) build(channel string, vendorUID uint32, role Role, ttlSeconds int) (MintedToken, error) {
	if m.appID == "" {
		return MintedToken{}, fmt.Errorf("token_mint_failed: media app id not configured")
	}

	now := m.nowFn()
	issueTs := uint32(now.Unix())
	expireTs := issueTs + uint32(ttlSeconds)

	saltBuf := make([]byte, 4)
	if _, err := rand.Read(saltBuf); err != nil {
		return MintedToken{}, fmt.Errorf("token_mint_failed: %w", err)
	}
	salt := binary.LittleEndian.Uint32(saltBuf)

	var msg bytes.Buffer
	packString(&msg, m.appID)
	packUint32(&msg, issueTs)
	packUint32(&msg, expireTs)
	packUint32(&msg, salt)
	packString(&msg, channel)
	packUint32(&msg, vendorUID)
	packUint16(&msg, privilegesFor(role))

	signature := m.sign(msg.Bytes(), issueTs, salt)

	var packed bytes.Buffer
	packBytes(&packed, signature)
	packed.Write(msg.Bytes())

	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err := zw.Write(packed.Bytes()); err != nil {
		return MintedToken{}, fmt.Errorf("token_mint_failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return MintedToken{}, fmt.Errorf("token_mint_failed: %w", err)
	}

	token := tokenVersion + base64.StdEncoding.EncodeToString(deflated.Bytes())
	return MintedToken{Token: token, ExpiresInSeconds: ttlSeconds}, nil
}

// privilege bits in the packed message.
const (
	privJoinChannel  uint16 = 1 << 0
	privPublishAudio uint16 = 1 << 1
	privPublishVideo uint16 = 1 << 2
	privSubscribe    uint16 = 1 << 3
)

func privilegesFor(role Role) uint16 {
	switch role {
	case RolePublisher:
		return privJoinChannel | privPublishAudio | privPublishVideo | privSubscribe
	default:
		return privJoinChannel | privSubscribe
	}
}

// sign derives the signing key by chaining HMACs of the issue timestamp
// and salt over the app certificate, then MACs the message.
func (m *Minter) sign(message []byte, issueTs, salt uint32) []byte {
	tsBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tsBuf, issueTs)
	saltBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(saltBuf, salt)

	key := hmacSHA256([]byte(m.appCert), tsBuf)
	key = hmacSHA256(key, saltBuf)
	return hmacSHA256(key, message)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func packString(buf *bytes.Buffer, s string) { packBytes(buf, []byte(s)) }

func packBytes(buf *bytes.Buffer, b []byte) {
	packUint16(buf, uint16(len(b)))
	buf.Write(b)
}

func packUint16(buf *bytes.Buffer, v uint16) {
	tmp := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp, v)
	buf.Write(tmp)
}

func packUint32(buf *bytes.Buffer, v uint32) {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	buf.Write(tmp)
}
