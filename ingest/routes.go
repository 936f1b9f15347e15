package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
	"github.com/hazyhaar/ingestd/kit"
	"github.com/hazyhaar/ingestd/shield"
)

// Routes returns the complete HTTP surface: the query API, /health, and
// the MCP tools at /mcp. When APIKeyHash is configured every route except
// /health requires "Authorization: Bearer <key>".
func (s *Service) Routes(version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	for _, mw := range shield.APIStack(shield.Config{RequestsPerMinute: s.cfg.RateLimit, Exempt: []string{"/health"}}) {
		r.Use(mw)
	}
	r.Use(kitContext)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKeyHash != "" {
			r.Use(requireKey(s.cfg.APIKeyHash))
		}
		s.RegisterHTTP(r)

		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "ingestd", Version: version}, nil)
		s.RegisterMCP(mcpSrv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpSrv
		}, nil))
	})
	return r
}

// RegisterHTTP mounts the read-only query endpoints on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/records", s.handleRecords)
	r.Get("/records/{fingerprint}", s.handleRecord)
	r.Get("/search", s.handleSearch)
	r.Get("/stats", s.handleStats)
	r.Get("/connectors", s.handleConnectors)
	r.Get("/connectors/{id}/history", s.handleHistory)
}

func (s *Service) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := ParseFilter(q.Get("source"), q.Get("connector"), q.Get("since"), q.Get("until"), q.Get("text"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.Query(r.Context(), f, q.Get("pageToken"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Records == nil {
		page.Records = []*Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Get(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleConnectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connectors": s.Connectors()})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// ParseFilter validates record filter parameters as given on the wire.
// Times accept RFC3339 or epoch seconds/milliseconds.
func ParseFilter(source, connectorID, since, until, text string) (Filter, error) {
	f := Filter{Source: source, ConnectorID: connectorID, Text: text}
	if since != "" {
		t, ok := normalize.ParseTime(since)
		if !ok {
			return f, fmt.Errorf("%w: since %q is not a time", ErrInvalidInput, since)
		}
		f.Since = &t
	}
	if until != "" {
		t, ok := normalize.ParseTime(until)
		if !ok {
			return f, fmt.Errorf("%w: until %q is not a time", ErrInvalidInput, until)
		}
		f.Until = &t
	}
	return f, nil
}

// parseLimit returns 0 for an absent limit.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidInput)
	}
	return n, nil
}

// kitContext copies request-scoped values into the kit context keys so
// endpoint middleware logs them on both transports.
func kitContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(r.Context()))
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ingestd"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownConnector):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
