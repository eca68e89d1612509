// Package attest is the settlement attestation sweeper. It
// periodically finds ended paid rooms whose revenue split has not been
// attested, signs a usage attestation with the oracle key, and submits
// it to the settlement facilitator. Attestation is at-least-once:
// rooms are only marked attested after the facilitator accepts, and
// failures are recorded and retried on the next sweep.
package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/robfig/cron/v3"

	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/store"
)

// sweepBatch bounds one sweep so a backlog cannot monopolise the cron
// slot. Leftovers are picked up next round.
const sweepBatch = 50

// Attestation is the signed usage statement for one room segment.
type Attestation struct {
	RoomID       string `json:"room_id"`
	SegmentID    string `json:"segment_id"`
	SplitAddress string `json:"split_address"`
	Asset        string `json:"asset"`
	Network      string `json:"network"`
	LiveGrants   int    `json:"live_grants"`
	ReplayGrants int    `json:"replay_grants"`
	LiveAmount   int64  `json:"live_amount"`
	ReplayAmount int64  `json:"replay_amount"`
	EndedAt      int64  `json:"ended_at"`
	AttestedAt   int64  `json:"attested_at"`
}

// submission is the wire form posted to the facilitator.
type submission struct {
	Attestation Attestation `json:"attestation"`
	Signature   string      `json:"signature"`
	Oracle      string      `json:"oracle"`
}

// Sweeper runs the attestation sweep on a cron schedule.
type Sweeper struct {
	store         store.Tabular
	emitter       events.Emitter
	settlementURL string
	key           *ecdsa.PrivateKey
	oracle        common.Address
	client        *http.Client
	cron          *cron.Cron
	logger        *log.Logger
	nowFn         func() time.Time
}

// NewSweeper builds a sweeper. An empty oracleKeyHex disables it
// entirely: Start becomes a no-op and nothing is ever submitted.
func NewSweeper(tab store.Tabular, emitter events.Emitter, settlementURL, oracleKeyHex string) (*Sweeper, error) {
	s := &Sweeper{
		store:         tab,
		emitter:       emitter,
		settlementURL: settlementURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        log.New(log.Writer(), "[Attest] ", log.LstdFlags),
		nowFn:         time.Now,
	}
	if oracleKeyHex == "" {
		return s, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(oracleKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse oracle key: %w", err)
	}
	s.key = key
	s.oracle = crypto.PubkeyToAddress(key.PublicKey)
	return s, nil
}

// Enabled reports whether an oracle key is loaded.
func (s *Sweeper) Enabled() bool { return s.key != nil }

// Start schedules the sweep. schedule is a cron spec, e.g. "@every 2m".
func (s *Sweeper) Start(schedule string) error {
	if !s.Enabled() {
		s.logger.Printf("⚠️ No oracle key configured, attestation sweep disabled")
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		n, err := s.SweepOnce(context.Background())
		if err != nil {
			s.logger.Printf("⚠️ Sweep failed: %v", err)
			return
		}
		if n > 0 {
			s.logger.Printf("✅ Sweep attested %d rooms", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Printf("⏰ Attestation sweep scheduled (%s, oracle=%s)", schedule, s.oracle.Hex())
	return nil
}

// Stop halts the schedule. A sweep in flight finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// SweepOnce attests one batch of ended, unattested rooms and returns
// how many were accepted. Per-room failures are recorded and skipped,
// not fatal to the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	rooms, err := s.store.ListUnattestedEndedRooms(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unattested rooms: %w", err)
	}

	attested := 0
	for i := range rooms {
		room := rooms[i]
		if err := s.attestRoom(ctx, &room); err != nil {
			attestationFailures.Inc()
			s.logger.Printf("🚫 Attestation of room %s failed: %v", room.RoomID, err)
			if rerr := s.store.RecordAttestationFailure(ctx, &store.AttestationFailure{
				RoomID:   room.RoomID,
				Reason:   err.Error(),
				FailedAt: s.nowFn(),
			}); rerr != nil {
				s.logger.Printf("⚠️ Failure record for room %s not persisted: %v", room.RoomID, rerr)
			}
			continue
		}
		attestationsAccepted.Inc()
		attested++
	}
	return attested, nil
}

// attestRoom builds, signs, and submits the attestation for one room,
// then marks it attested. Marking happens strictly after acceptance.
func (s *Sweeper) attestRoom(ctx context.Context, room *store.RoomRecord) error {
	liveGrants, err := s.store.CountEntitlements(ctx, room.RoomID, store.ScopeLive)
	if err != nil {
		return fmt.Errorf("count live grants: %w", err)
	}
	replayGrants, err := s.store.CountEntitlements(ctx, room.RoomID, store.ScopeReplay)
	if err != nil {
		return fmt.Errorf("count replay grants: %w", err)
	}

	now := s.nowFn()
	att := Attestation{
		RoomID:       room.RoomID,
		SegmentID:    room.SegmentID,
		SplitAddress: room.SplitAddress,
		Asset:        room.AssetID,
		Network:      room.NetworkID,
		LiveGrants:   liveGrants,
		ReplayGrants: replayGrants,
		LiveAmount:   room.LiveAmount,
		ReplayAmount: room.ReplayAmount,
		AttestedAt:   now.Unix(),
	}
	if room.EndedAt != nil {
		att.EndedAt = room.EndedAt.Unix()
	}

	sig, err := s.sign(att)
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	if err := s.submit(ctx, submission{
		Attestation: att,
		Signature:   sig,
		Oracle:      s.oracle.Hex(),
	}); err != nil {
		return err
	}

	if err := s.store.MarkRoomAttested(ctx, room.RoomID, now); err != nil {
		// The facilitator has it; the next sweep resubmits and the
		// facilitator dedupes on (room, segment).
		return fmt.Errorf("mark attested: %w", err)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.TypeAttestation, "/attest", room.RoomID, map[string]interface{}{
			"segment_id":    room.SegmentID,
			"live_grants":   liveGrants,
			"replay_grants": replayGrants,
		})
	}
	return nil
}

// sign produces the oracle signature over the keccak digest of the
// canonical JSON attestation, in the recoverable 65-byte form the
// facilitator verifies against the registered oracle address.
func (s *Sweeper) sign(att Attestation) (string, error) {
	payload, err := json.Marshal(att)
	if err != nil {
		return "", err
	}
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func (s *Sweeper) submit(ctx context.Context, sub submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settlementURL+"/attestations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// The facilitator dedupes resubmissions from partially-failed sweeps.
	req.Header.Set("Idempotency-Key", sub.Attestation.RoomID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit attestation: %w", err)
	}
	defer resp.Body.Close()
	// 409 means the facilitator already holds this (room, segment)
	// attestation from a previous partially-failed sweep.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("submit attestation: status %d", resp.StatusCode)
	}
	return nil
}
