package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voiceplane/backend/internal/middleware"
	"github.com/voiceplane/backend/internal/room"
	"github.com/voiceplane/backend/internal/store"
)

// createRoomRequest is shared by the free and paid creation endpoints;
// the paid fields are ignored for free rooms.
type createRoomRequest struct {
	RoomID   string `json:"room_id"`
	Channel  string `json:"channel"`
	Capacity int    `json:"capacity"`

	SplitAddress        string `json:"split_address"`
	GuestWallet         string `json:"guest_wallet"`
	AssetID             string `json:"asset_id"`
	NetworkID           string `json:"network_id"`
	LiveAmount          int64  `json:"live_amount"`
	ReplayAmount        int64  `json:"replay_amount"`
	AccessWindowMinutes int    `json:"access_window_minutes"`
	ReplayMode          string `json:"replay_mode"`
	RecordingMode       string `json:"recording_mode"`
}

// HandleCreateFreeRoom initializes a metered free room with the session
// wallet as host.
func HandleCreateFreeRoom(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		createRoom(w, r, rooms, store.RoomKindFree)
	}
}

func createRoom(w http.ResponseWriter, r *http.Request, rooms *room.Registry, kind store.RoomKind) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
		return
	}
	if kind == store.RoomKindDuet && req.SplitAddress == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
		return
	}
	if req.RoomID == "" {
		req.RoomID = uuid.NewString()
	}

	actor, err := rooms.Create(r.Context(), room.Descriptor{
		RoomID:              req.RoomID,
		Kind:                kind,
		HostWallet:          middleware.Wallet(r),
		Channel:             req.Channel,
		Capacity:            req.Capacity,
		SplitAddress:        req.SplitAddress,
		GuestWallet:         req.GuestWallet,
		AssetID:             req.AssetID,
		NetworkID:           req.NetworkID,
		LiveAmount:          req.LiveAmount,
		ReplayAmount:        req.ReplayAmount,
		AccessWindowMinutes: req.AccessWindowMinutes,
		ReplayMode:          req.ReplayMode,
		RecordingMode:       req.RecordingMode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	snap := actor.State()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"room_id": req.RoomID,
		"kind":    string(kind),
		"status":  snap.Room.Status,
		"channel": snap.Room.Channel,
	})
}

// HandleJoin admits the session wallet into a free room.
func HandleJoin(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		grant, err := actor.Join(r.Context(), middleware.Wallet(r), req.ConnectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// HandleHeartbeat meters one interval for the caller's connection.
func HandleHeartbeat(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, connectionID, ok := actorAndConnection(w, r, rooms)
		if !ok {
			return
		}
		res, err := actor.Heartbeat(r.Context(), connectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleRenew meters and then issues the next short-lived media token,
// or a denial the client is expected to act on.
func HandleRenew(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, connectionID, ok := actorAndConnection(w, r, rooms)
		if !ok {
			return
		}
		res, err := actor.Renew(r.Context(), connectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if res.Denied {
			status = http.StatusPaymentRequired
		}
		writeJSON(w, status, res)
	}
}

// HandleLeave meters the final partial interval and releases the seat.
func HandleLeave(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, connectionID, ok := actorAndConnection(w, r, rooms)
		if !ok {
			return
		}
		res, err := actor.Leave(r.Context(), connectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleClose lets the host shut the whole room down, metering everyone
// a final time.
func HandleClose(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, connectionID, ok := actorAndConnection(w, r, rooms)
		if !ok {
			return
		}
		if err := actor.Close(r.Context(), connectionID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

// HandleRoomState is the debug snapshot of one actor.
func HandleRoomState(rooms *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
		if err != nil {
			writeError(w, err)
			return
		}
		snap := actor.State()
		if snap == nil {
			writeError(w, room.ErrRoomNotInitialized)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func actorAndConnection(w http.ResponseWriter, r *http.Request, rooms *room.Registry) (*room.Actor, string, bool) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
		return nil, "", false
	}
	actor, err := rooms.Get(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	return actor, req.ConnectionID, true
}
