// Package fetch is the HTTP client shared by the HTTP-based connectors.
//
// Every error it returns is already classified into the connector taxonomy
// (*connector.TransientError or *connector.PermanentError), with the
// upstream Retry-After carried on throttled responses.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/connector"
)

// Config configures the fetcher.
type Config struct {
	Timeout  time.Duration // HTTP timeout. Default: 30s.
	MaxBytes int64         // Max response body size. Default: 10MB.
	// UserAgent sent with requests. Some sources (Reddit) reject Go's default.
	UserAgent string
	// URLValidator runs before every request and redirect.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; ingestd/1.0)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// Request is one GET.
type Request struct {
	URL    string
	Header http.Header
	// ETag and LastModified make the request conditional.
	ETag         string
	LastModified string
}

// Response is a successful (2xx or 304) response.
type Response struct {
	Body        []byte
	StatusCode  int
	Hash        string // SHA-256 of body
	ETag        string
	LastMod     string
	NotModified bool
	// RetryAfter is set when a 2xx response still asks the client to slow down.
	RetryAfter time.Duration
}

// Fetcher performs HTTP GETs with SSRF checks and bounded bodies.
type Fetcher struct {
	client *http.Client
	config Config
	now    func() time.Time
}

// New creates a Fetcher. Redirects are re-validated.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
		now:    time.Now,
	}
}

// Get retrieves req.URL. Non-2xx statuses other than 304 come back as
// classified errors.
func (f *Fetcher) Get(ctx context.Context, req Request) (*Response, error) {
	op := "fetch " + req.URL
	if err := f.config.URLValidator(req.URL); err != nil {
		return nil, &connector.PermanentError{Op: op, Err: err}
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &connector.PermanentError{Op: op, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", f.config.UserAgent)
	}
	if req.ETag != "" {
		hreq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		hreq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, connector.Classify(op, 0, err)
	}
	defer resp.Body.Close()

	retryAfter := connector.ParseRetryAfter(resp.Header.Get("Retry-After"), f.now())

	if resp.StatusCode == http.StatusNotModified {
		return &Response{
			StatusCode:  resp.StatusCode,
			NotModified: true,
			ETag:        resp.Header.Get("ETag"),
			LastMod:     resp.Header.Get("Last-Modified"),
			RetryAfter:  retryAfter,
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cerr := connector.Classify(op, resp.StatusCode, nil)
		var te *connector.TransientError
		if errors.As(cerr, &te) {
			te.RetryAfter = retryAfter
		}
		return nil, cerr
	}

	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, connector.Classify(op, 0, fmt.Errorf("read body: %w", err))
	}
	sum := sha256.Sum256(body)
	return &Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Hash:       hex.EncodeToString(sum[:]),
		ETag:       resp.Header.Get("ETag"),
		LastMod:    resp.Header.Get("Last-Modified"),
		RetryAfter: retryAfter,
	}, nil
}

// GetJSON fetches req.URL and decodes the body into v. A body that is not
// JSON is reported as transient.
func (f *Fetcher) GetJSON(ctx context.Context, req Request, v any) (*Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := f.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.NotModified {
		return resp, nil
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return nil, connector.Classify("decode "+req.URL, 0, fmt.Errorf("invalid json: %w", err))
	}
	return resp, nil
}
