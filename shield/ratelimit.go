package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window, per-client-IP limiter held in memory.
// Expired windows are dropped lazily once the map grows past gcThreshold.
type RateLimiter struct {
	max     int
	period  time.Duration
	exempt  []string
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

const gcThreshold = 4096

// NewRateLimiter allows max requests per period per client. Paths under an
// exempt prefix are never limited.
func NewRateLimiter(max int, period time.Duration, exempt ...string) *RateLimiter {
	return &RateLimiter{
		max:     max,
		period:  period,
		exempt:  exempt,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow records one request from ip and reports whether it is within the
// limit, with the time the current window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.windows) > gcThreshold {
		for k, w := range rl.windows {
			if now.After(w.resetAt) {
				delete(rl.windows, k)
			}
		}
	}
	w, ok := rl.windows[ip]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(rl.period)}
		rl.windows[ip] = w
	}
	w.count++
	return w.count <= rl.max, w.resetAt
}

// Middleware answers 429 with a JSON error and Retry-After once a client
// exceeds its window.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exempt {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ip := ClientIP(r)
		ok, reset := rl.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		secs := int(reset.Sub(rl.now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the host part of RemoteAddr. Behind a trusted proxy, run
// chi's middleware.RealIP first so RemoteAddr carries the client address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
