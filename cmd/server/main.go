package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voiceplane/backend/internal/agent"
	"github.com/voiceplane/backend/internal/attest"
	"github.com/voiceplane/backend/internal/auth"
	"github.com/voiceplane/backend/internal/config"
	"github.com/voiceplane/backend/internal/events"
	"github.com/voiceplane/backend/internal/handlers"
	"github.com/voiceplane/backend/internal/ledger"
	"github.com/voiceplane/backend/internal/media"
	"github.com/voiceplane/backend/internal/middleware"
	"github.com/voiceplane/backend/internal/paygate"
	"github.com/voiceplane/backend/internal/room"
	"github.com/voiceplane/backend/internal/songs"
	"github.com/voiceplane/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	log.Printf("🔥 Starting Voice Control Plane (env=%s)...", cfg.Server.Env)

	// Stores. Production wires Supabase + Redis + Postgres; anything
	// unconfigured falls back to in-memory so a dev boot needs no infra.
	var tabular store.Tabular
	if cfg.Secrets.SupabaseURL != "" && cfg.Secrets.SupabaseServiceKey != "" {
		s, err := store.NewSupabaseStore(cfg.Secrets.SupabaseURL, cfg.Secrets.SupabaseServiceKey)
		if err != nil {
			log.Fatalf("Supabase init failed: %v", err)
		}
		tabular = s
		log.Println("✅ Tabular store: Supabase")
	} else {
		tabular = store.NewMemoryStore()
		log.Println("⚠️ Tabular store: in-memory (no SUPABASE_URL)")
	}

	var kv store.KV
	if cfg.Secrets.RedisAddr != "" {
		r, err := store.NewRedisKV(cfg.Secrets.RedisAddr, "vp:")
		if err != nil {
			log.Fatalf("Redis init failed: %v", err)
		}
		kv = r
		log.Println("✅ KV store: Redis")
	} else {
		kv = store.NewMemoryKV()
		log.Println("⚠️ KV store: in-memory (no REDIS_ADDR)")
	}

	var credits ledger.Ledger
	if cfg.Secrets.DatabaseURL != "" {
		pg, err := ledger.NewPostgresLedger(cfg.Secrets.DatabaseURL)
		if err != nil {
			log.Fatalf("Ledger init failed: %v", err)
		}
		credits = pg
		log.Println("✅ Credit ledger: Postgres")
	} else {
		credits = ledger.NewMemoryLedger()
		log.Println("⚠️ Credit ledger: in-memory (no DATABASE_URL)")
	}

	// Event bus, optionally mirrored to Pub/Sub.
	var bus *events.EventBus
	var emitter events.Emitter
	if cfg.Secrets.PubSubProject != "" {
		pb, err := events.NewPubSubEventBus(cfg.Secrets.PubSubProject, "voiceplane-events")
		if err != nil {
			log.Fatalf("Pub/Sub init failed: %v", err)
		}
		defer pb.Close()
		bus = pb.EventBus
		emitter = pb
		log.Println("✅ Event bus: Pub/Sub mirrored")
	} else {
		bus = events.NewEventBus()
		emitter = bus
	}

	// Domain components.
	sessions := auth.NewSessions(cfg.Secrets.JWTSecret)
	nonces := auth.NewNonceManager(kv)
	minter := media.NewMinter(cfg.Secrets.AgoraAppID, cfg.Secrets.AgoraAppCertificate).
		WithTTLs(cfg.Rooms.ShortTokenTTLSeconds, cfg.Rooms.BookedTokenTTLSeconds)
	gate := paygate.NewGate(tabular, paygate.PermissiveVerifier{}, emitter)
	songRegistry := songs.NewRegistry(tabular)

	var orchestrator agent.Orchestrator = agent.Noop{}
	if cfg.Secrets.AgentOrchestrator != "" {
		orchestrator = agent.NewHTTPOrchestrator(cfg.Secrets.AgentOrchestrator)
	}

	rooms := room.NewRegistry(room.Deps{
		Store:   tabular,
		KV:      kv,
		Ledger:  credits,
		Minter:  minter,
		Gate:    gate,
		Agent:   orchestrator,
		Emitter: emitter,
		Replay:  sessions,
		Rooms:   cfg.Rooms,
	})

	sweeper, err := attest.NewSweeper(tabular, emitter, cfg.Secrets.SettlementURL, cfg.Secrets.OraclePrivateKey)
	if err != nil {
		log.Fatalf("Sweeper init failed: %v", err)
	}
	if err := sweeper.Start(cfg.Sweep.Schedule); err != nil {
		log.Fatalf("Sweeper schedule failed: %v", err)
	}
	defer sweeper.Stop()

	router := buildRouter(cfg, tabular, credits, sessions, nonces, rooms, songRegistry, bus)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		rooms.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Voice Control Plane listening on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func buildRouter(
	cfg *config.Config,
	tabular store.Tabular,
	credits ledger.Ledger,
	sessions *auth.Sessions,
	nonces *auth.NonceManager,
	rooms *room.Registry,
	songRegistry *songs.Registry,
	bus *events.EventBus,
) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware, loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", handlers.HandleHealth(tabular)).Methods("GET")

	// Auth: unauthenticated, rate limited per client IP.
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 30})
	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.Use(limiter.Middleware)
	authRouter.HandleFunc("/nonce", handlers.HandleNonceRequest(nonces)).Methods("POST")
	authRouter.HandleFunc("/verify", handlers.HandleVerify(nonces, sessions)).Methods("POST")

	sessionOnly := middleware.Session(sessions)
	bridgeOnly := middleware.RequireBridgeTicket()

	// Credits.
	creditsRouter := router.PathPrefix("/credits").Subrouter()
	creditsRouter.Use(sessionOnly)
	creditsRouter.HandleFunc("/balance", handlers.HandleBalance(credits)).Methods("GET")
	creditsRouter.HandleFunc("/topup", handlers.HandleTopup(credits)).Methods("POST")

	// Free rooms: session-authenticated surface.
	freeRooms := router.PathPrefix("/rooms").Subrouter()
	freeRooms.Use(sessionOnly)
	freeRooms.HandleFunc("", handlers.HandleCreateFreeRoom(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}/join", handlers.HandleJoin(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}/heartbeat", handlers.HandleHeartbeat(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}/renew", handlers.HandleRenew(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}/leave", handlers.HandleLeave(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}/close", handlers.HandleClose(rooms)).Methods("POST")
	freeRooms.HandleFunc("/{roomId}", handlers.HandleRoomState(rooms)).Methods("GET")

	// Paid rooms: session-authenticated operations.
	duetRouter := router.PathPrefix("/duet").Subrouter()
	duetRouter.Use(sessionOnly)
	duetRouter.HandleFunc("/create", handlers.HandleCreateDuet(rooms)).Methods("POST")
	duetRouter.HandleFunc("/{roomId}/start", handlers.HandleDuetStart(rooms)).Methods("POST")
	duetRouter.HandleFunc("/{roomId}/guest/accept", handlers.HandleGuestAccept(rooms)).Methods("POST")
	duetRouter.HandleFunc("/{roomId}/enter", handlers.HandleEnter(rooms)).Methods("POST")
	duetRouter.HandleFunc("/{roomId}/end", handlers.HandleDuetEnd(rooms)).Methods("POST")
	duetRouter.HandleFunc("/{roomId}/replay", handlers.HandleReplay(rooms)).Methods("GET")

	// Broadcast bridge: ticket-authenticated, used by the media worker.
	bridgeRouter := router.PathPrefix("/duet").Subrouter()
	bridgeRouter.Use(bridgeOnly)
	bridgeRouter.HandleFunc("/{roomId}/bridge/token", handlers.HandleBridgeToken(rooms)).Methods("POST")
	bridgeRouter.HandleFunc("/{roomId}/broadcast/heartbeat", handlers.HandleBroadcastHeartbeat(rooms)).Methods("POST")
	bridgeRouter.HandleFunc("/{roomId}/recording/complete", handlers.HandleRecordingComplete(rooms)).Methods("POST")

	// Public surface.
	router.HandleFunc("/duet/{roomId}/public-info", handlers.HandlePublicInfo(rooms)).Methods("GET")
	router.HandleFunc("/duet/{roomId}/public-enter", handlers.HandlePublicEnter(rooms)).Methods("POST")
	router.HandleFunc("/rooms/{roomId}/stream", handlers.HandleRoomStream(rooms, bus)).Methods("GET")
	router.HandleFunc("/songs/search", handlers.HandleSongSearch(songRegistry)).Methods("GET")

	// Song registration sits behind the static admin token.
	songAdmin := router.PathPrefix("/songs").Subrouter()
	songAdmin.Use(middleware.AdminToken(cfg.Secrets.SongRegistryAdmin))
	songAdmin.HandleFunc("", handlers.HandleSongRegister(songRegistry)).Methods("POST")

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, PAYMENT-SIGNATURE, X-Bridge-Ticket")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}
