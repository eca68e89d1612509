// Package handlers is the HTTP surface. Handlers decode, delegate to
// the domain packages, and encode; no business rules live here.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/room"
	"github.com/voiceplane/backend/internal/store"
)

// writeJSON encodes one response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error onto its status and {"error": kind}
// body. Unknown errors are 500 with the kind redacted.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal_error"

	switch {
	// Unknown and expired nonces are indistinguishable on the wire.
	case errors.Is(err, auth.ErrNonceUnknown),
		errors.Is(err, auth.ErrNonceExpired):
		status = http.StatusUnauthorized
		kind = "nonce_invalid"

	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, room.ErrNotHost),
		errors.Is(err, room.ErrNotGuest),
		errors.Is(err, room.ErrBadTicket):
		status = http.StatusUnauthorized
		kind = err.Error()

	case errors.Is(err, paygate.ErrPaymentRequired):
		status = http.StatusPaymentRequired
		kind = "payment_required"

	case errors.Is(err, paygate.ErrSignatureReplay),
		errors.Is(err, paygate.ErrInvalidPaymentSignature):
		status = http.StatusPaymentRequired
		kind = "invalid_payment_signature"

	case errors.Is(err, room.ErrCreditsExhausted):
		status = http.StatusPaymentRequired
		kind = "credits_exhausted"

	case errors.Is(err, room.ErrRoomNotInitialized),
		errors.Is(err, room.ErrParticipantNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		kind = notFoundKind(err)

	case errors.Is(err, room.ErrRoomFull),
		errors.Is(err, room.ErrAlreadyInitialized),
		errors.Is(err, room.ErrConnectionInUse),
		errors.Is(err, room.ErrRoomNotLive),
		errors.Is(err, room.ErrWrongKind),
		errors.Is(err, room.ErrReplayNotReady):
		status = http.StatusConflict
		kind = err.Error()

	case strings.HasPrefix(err.Error(), "invalid_payload"):
		status = http.StatusBadRequest
		kind = "invalid_payload"

	case strings.HasPrefix(err.Error(), "token_mint_failed"):
		status = http.StatusBadGateway
		kind = "token_mint_failed"

	case strings.HasPrefix(err.Error(), "store_unavailable"):
		status = http.StatusServiceUnavailable
		kind = "store_unavailable"
	}

	writeJSON(w, status, map[string]string{"error": kind})
}

func notFoundKind(err error) string {
	if errors.Is(err, room.ErrParticipantNotFound) {
		return "participant_not_found"
	}
	return "room_not_initialized"
}
