package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voiceplane/backend/internal/auth"
)

// HandleNonceRequest issues a fresh login nonce for a wallet.
func HandleNonceRequest(nonces *auth.NonceManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Wallet string `json:"wallet"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}
		wallet, err := auth.NormalizeWallet(req.Wallet)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		nonce, err := nonces.Request(r.Context(), wallet)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"nonce":   nonce,
			"message": auth.LoginMessage(nonce),
		})
	}
}

// HandleVerify consumes a signed nonce and mints the session token.
func HandleVerify(nonces *auth.NonceManager, sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Wallet    string `json:"wallet"`
			Nonce     string `json:"nonce"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}
		wallet, err := auth.NormalizeWallet(req.Wallet)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		if err := nonces.Consume(r.Context(), wallet, req.Nonce, req.Signature); err != nil {
			writeError(w, err)
			return
		}
		token, err := sessions.Mint(wallet)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_token": token,
			"wallet":        wallet,
		})
	}
}
