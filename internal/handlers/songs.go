package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voiceplane/backend/internal/songs"
	"github.com/voiceplane/backend/internal/store"
)

// HandleSongSearch matches registry entries against ?q=.
func HandleSongSearch(registry *songs.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		results, err := registry.Search(r.Context(), query)
		if err != nil {
			writeError(w, err)
			return
		}
		if results == nil {
			results = []store.SongRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"songs": results,
			"count": len(results),
		})
	}
}

// HandleSongRegister inserts one song. Sits behind the admin token; the
// registry additionally verifies the controller wallet's attestation.
func HandleSongRegister(registry *songs.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var song store.SongRecord
		if err := json.NewDecoder(r.Body).Decode(&song); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		if err := registry.Register(r.Context(), &song); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"song_id": song.SongID})
	}
}
