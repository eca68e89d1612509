// Package middleware carries the HTTP cross-cutting concerns: session
// authentication, bridge-ticket authentication, and rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voiceplane/backend/internal/auth"
)

type contextKey string

const (
	walletKey contextKey = "wallet"
	ticketKey contextKey = "bridge_ticket"
)

// Wallet returns the authenticated wallet, or "" when the request came
// through without session auth.
func Wallet(r *http.Request) string {
	w, _ := r.Context().Value(walletKey).(string)
	return w
}

// BridgeTicket returns the verified bridge ticket on the request.
func BridgeTicket(r *http.Request) string {
	t, _ := r.Context().Value(ticketKey).(string)
	return t
}

// Session enforces a Bearer session token and stashes the wallet in the
// request context.
func Session(sessions *auth.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wallet, err := sessions.Verify(bearerToken(r))
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), walletKey, wallet)))
		})
	}
}

// AdminToken gates an endpoint behind a static bearer token. An empty
// configured token disables the endpoint outright.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || bearerToken(r) != token {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBridgeTicket enforces the X-Bridge-Ticket header and stashes
// it for the handler; the room actor verifies it against the room's
// current ticket.
func RequireBridgeTicket() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ticket := r.Header.Get("X-Bridge-Ticket")
			if ticket == "" {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ticketKey, ticket)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
