package handlers

import (
	"net/http"
	"time"

	"github.com/voiceplane/backend/internal/store"
)

// HandleHealth reports process liveness and store connectivity.
func HandleHealth(tab store.Tabular) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		storeStatus := "ok"
		status := http.StatusOK
		if err := tab.Ping(r.Context()); err != nil {
			storeStatus = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"status":         "ok",
			"store":          storeStatus,
			"uptime_seconds": int(time.Since(started).Seconds()),
		})
	}
}
