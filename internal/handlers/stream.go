package handlers

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/room"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
)

// upgrader validates origins in production (VP_ALLOWED_ORIGINS,
// comma-separated); dev allows everything.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("VP_ALLOWED_ORIGINS")
	if os.Getenv("VP_ENV") == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// HandleRoomStream streams a room's CloudEvents over WebSocket. The
// subscription is process-local; clients reconnect on pod moves.
func HandleRoomStream(rooms *room.Registry, bus *events.EventBus) http.HandlerFunc {
	logger := log.New(log.Writer(), "[Stream] ", log.LstdFlags)
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]
		if _, err := rooms.Get(r.Context(), roomID); err != nil {
			writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("⚠️ Upgrade failed for room %s: %v", roomID, err)
			return
		}

		sub := bus.Subscribe()
		done := make(chan struct{})

		// Read pump: the client sends nothing meaningful; reads exist to
		// service pong frames and detect disconnect.
		go func() {
			defer close(done)
			conn.SetReadLimit(1024)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Write pump: the only goroutine writing to conn.
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			bus.Unsubscribe(sub)
			conn.Close()
		}()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Subject != roomID {
					continue
				}
				payload, err := ev.JSON()
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
