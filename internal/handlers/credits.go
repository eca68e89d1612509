package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voiceplane/backend/internal/ledger"
	"github.com/voiceplane/backend/internal/middleware"
)

// HandleBalance reports the session wallet's credit projection.
func HandleBalance(credits ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bal, err := credits.GetBalance(r.Context(), middleware.Wallet(r))
		if err != nil {
			writeError(w, fmt.Errorf("store_unavailable: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, bal)
	}
}

// HandleTopup appends purchased seconds to the session wallet. The
// purchase itself happens upstream; this endpoint only accounts it.
func HandleTopup(credits ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seconds  int64  `json:"seconds"`
			SourceID string `json:"source_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		wallet := middleware.Wallet(r)
		if err := credits.Topup(r.Context(), wallet, req.Seconds, req.SourceID); err != nil {
			writeError(w, fmt.Errorf("store_unavailable: %w", err))
			return
		}
		bal, err := credits.GetBalance(r.Context(), wallet)
		if err != nil {
			writeError(w, fmt.Errorf("store_unavailable: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, bal)
	}
}
