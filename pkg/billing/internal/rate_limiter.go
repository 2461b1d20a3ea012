package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LimiterConfig configures a fixed-window limiter keyed by client address.
type LimiterConfig struct {
	Limit  int
	Window time.Duration

	// OnReject is called for every request turned away, before the 429 is written.
	OnReject func(r *http.Request, client string)

	// Now defaults to time.Now.
	Now func() time.Time
}

// RateLimiter counts webhook deliveries per client within a fixed window.
type RateLimiter struct {
	cfg LimiterConfig

	mu        sync.Mutex
	windows   map[string]*clientWindow
	nextSweep time.Time
}

type clientWindow struct {
	used    int
	expires time.Time
}

// NewRateLimiter returns a limiter for cfg. A non-positive Limit disables limiting.
func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		cfg:     cfg,
		windows: make(map[string]*clientWindow),
	}
}

// Allow records one request from client. When the client is over its limit it
// returns false and how long until its window resets.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	if rl.cfg.Limit <= 0 {
		return true, 0
	}

	now := rl.cfg.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !now.Before(rl.nextSweep) {
		rl.sweep(now)
		rl.nextSweep = now.Add(rl.cfg.Window)
	}

	w, ok := rl.windows[client]
	if !ok || !now.Before(w.expires) {
		rl.windows[client] = &clientWindow{used: 1, expires: now.Add(rl.cfg.Window)}
		return true, 0
	}
	if w.used >= rl.cfg.Limit {
		return false, w.expires.Sub(now)
	}
	w.used++
	return true, 0
}

// sweep drops windows that have expired. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.windows {
		if !now.Before(w.expires) {
			delete(rl.windows, client)
		}
	}
}

// Tracked reports how many clients currently hold a window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientAddress(r)
		ok, retryAfter := rl.Allow(client)
		if !ok {
			if rl.cfg.OnReject != nil {
				rl.cfg.OnReject(r, client)
			}
			secs := int((retryAfter + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			_ = WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientAddress returns the first X-Forwarded-For hop, or the host part of
// RemoteAddr so that one client is not split across source ports.
func ClientAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if hop := strings.TrimSpace(strings.Split(xff, ",")[0]); hop != "" {
			return hop
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
