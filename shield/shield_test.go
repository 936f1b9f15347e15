package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Method))
	})
}

func chain(h http.Handler, stack []func(http.Handler) http.Handler) http.Handler {
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	return h
}

func TestAPIStack_Headers(t *testing.T) {
	// WHAT: Every response carries the API security headers.
	h := chain(okHandler(), APIStack(Config{}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records", nil))
	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestHeadToGet(t *testing.T) {
	rec := httptest.NewRecorder()
	HeadToGet(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	if rec.Body.String() != "GET" {
		t.Errorf("handler saw %q", rec.Body.String())
	}
}

func TestMaxBody(t *testing.T) {
	// WHAT: Reading past the cap fails.
	// WHY: /mcp accepts POST bodies from the network.
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = r.Body.Read(make([]byte, 64))
		if readErr == nil {
			_, readErr = r.Body.Read(make([]byte, 64))
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(strings.Repeat("x", 32))))
	if readErr == nil {
		t.Error("expected read error past the cap")
	}
}

func TestRateLimiter(t *testing.T) {
	// WHAT: The third request in a window is refused; a new window resets.
	// WHY: One client must not starve the store of readers.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute, "/health")
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	get("/records")
	get("/records")
	rec := get("/records")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "61" {
		t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}
	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Errorf("exempt path limited: %d", rec.Code)
	}

	now = now.Add(61 * time.Second)
	if rec := get("/records"); rec.Code != http.StatusOK {
		t.Errorf("new window: status %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	if got := ClientIP(req); got != "2001:db8::1" {
		t.Errorf("got %q", got)
	}
}
