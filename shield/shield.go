// Package shield holds the HTTP middleware in front of the ingestd query
// API: security headers for JSON responses, HEAD support on GET routes,
// request body caps and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(shield.Config{RequestsPerMinute: 120}) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
	"time"
)

// Config tunes APIStack.
type Config struct {
	// RequestsPerMinute per client IP; 0 disables rate limiting.
	RequestsPerMinute int
	// MaxBody caps request bodies. Default 1 MiB.
	MaxBody int64
	// Exempt path prefixes skip rate limiting (health probes).
	Exempt []string
}

// APIStack returns the standard middleware stack, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, then the rate limiter when enabled.
func APIStack(cfg Config) []func(http.Handler) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(cfg.MaxBody),
	}
	if cfg.RequestsPerMinute > 0 {
		rl := NewRateLimiter(cfg.RequestsPerMinute, time.Minute, cfg.Exempt...)
		stack = append(stack, rl.Middleware)
	}
	return stack
}
