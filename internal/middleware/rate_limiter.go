package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles the unauthenticated auth endpoints per client,
// so nonce requests cannot be used to churn the KV.
//
// Sliding one-minute windows per key; expired windows are garbage
// collected in the background.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
}

// RateLimitConfig defines the throttling thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // short bursts above the steady limit are tolerated
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key is within limits. Every
// call mutates the window count, so the full lock is held throughout.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.windows[key]
	if !exists || now.Sub(window.windowStart) > time.Minute {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}

	window.count++
	if window.count > rl.defaults.BurstSize {
		rl.logger.Printf("🚫 Rate limit exceeded (burst): key=%s count=%d", key, window.count)
		return false
	}
	if window.count > rl.defaults.MaxCallsPerMinute {
		rl.logger.Printf("⚠️ Rate limit exceeded: key=%s count=%d", key, window.count)
		return false
	}
	return true
}

// Middleware throttles by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup drops expired windows so the map cannot grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
