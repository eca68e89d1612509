package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/middleware"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/room"
	"github.com/voiceplane/backend/internal/store"
)

// HandleCreateDuet initializes a paid room with the session wallet as
// host. split_address is mandatory.
func HandleCreateDuet(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		createRoom(w, r, rooms, store.RoomKindDuet)
	}
}

// HandleDuetStart flips a paid room live for its host.
func HandleDuetStart(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := actor.Start(r.Context(), middleware.Wallet(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleGuestAccept hands the invited guest their publishing grant.
func HandleGuestAccept(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		grant, err := actor.GuestAccept(r.Context(), middleware.Wallet(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// HandleDuetEnd shuts a paid room down.
func HandleDuetEnd(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		if err := actor.End(r.Context(), middleware.Wallet(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	}
}

// HandleBridgeToken refreshes the broadcaster's publishing token.
func HandleBridgeToken(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		grant, err := actor.BridgeTokenRefresh(r.Context(), middleware.BridgeTicket(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// HandleBroadcastHeartbeat records broadcaster liveness and mode.
func HandleBroadcastHeartbeat(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		// Body is optional; an empty beat just refreshes liveness.
		_ = json.NewDecoder(r.Body).Decode(&req)

		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		if err := actor.BroadcastHeartbeat(r.Context(), middleware.BridgeTicket(r), req.Mode); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleRecordingComplete registers the uploaded replay blob.
func HandleRecordingComplete(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BlobRef string `json:"blob_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlobRef == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		if err := actor.RecordingComplete(r.Context(), middleware.BridgeTicket(r), req.BlobRef); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
	}
}

// HandlePublicInfo is the unauthenticated lobby view of a paid room.
func HandlePublicInfo(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		info := actor.PublicInfo()
		if info == nil {
			writeError(w, room.ErrRoomNotInitialized)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// HandleEnter runs the 402 flow for live viewing: no signature yields
// the challenge header, a valid one yields the viewer token.
func HandleEnter(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		res, challenge, err := actor.Enter(r.Context(), middleware.Wallet(r), r.Header.Get(paygate.HeaderPaymentSignature))
		if err != nil {
			writePaymentError(w, challenge, err)
			return
		}
		resource := paygate.Resource("duet", mux.Vars(r)["roomId"], "enter", res.SegmentID)
		w.Header().Set(paygate.HeaderPaymentResponse, paygate.EncodeResponse(resource))
		writeJSON(w, http.StatusOK, res)
	}
}

// HandlePublicEnter is the anonymous variant of enter: no session, the
// paying wallet rides in the body instead.
func HandlePublicEnter(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Wallet string `json:"wallet"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Wallet == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}
		wallet, err := auth.NormalizeWallet(req.Wallet)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		res, challenge, err := actor.Enter(r.Context(), wallet, r.Header.Get(paygate.HeaderPaymentSignature))
		if err != nil {
			writePaymentError(w, challenge, err)
			return
		}
		resource := paygate.Resource("duet", mux.Vars(r)["roomId"], "enter", res.SegmentID)
		w.Header().Set(paygate.HeaderPaymentResponse, paygate.EncodeResponse(resource))
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleReplay runs the 402 flow for the recorded stream.
func HandleReplay(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		res, challenge, err := actor.Replay(r.Context(), middleware.Wallet(r), r.Header.Get(paygate.HeaderPaymentSignature))
		if err != nil {
			writePaymentError(w, challenge, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// writePaymentError renders payment failures with the challenge header
// attached, so the client can pay and retry in one round trip.
func writePaymentError(w http.ResponseWriter, challenge *paygate.Challenge, err error) {
	if challenge != nil {
		w.Header().Set(paygate.HeaderPaymentRequired, challenge.Encode())
	}
	writeError(w, err)
}
