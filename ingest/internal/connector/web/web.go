// Package web scrapes article text from a fixed list of pages.
//
// Each page yields at most one payload: its readable paragraphs, rebuilt as
// minimal HTML so the normalizer converts them to markdown. A payload's
// native id is the page URL plus a short hash of its text, so every
// revision of a page is its own record. The cursor remembers each page's
// last hash so unchanged pages are not re-submitted.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
)

// Type is the registry name of this connector.
const Type = "web"

// Options lists the pages and extraction thresholds.
type Options struct {
	URLs []string `yaml:"urls"`
	// Render loads pages in headless Chrome instead of a plain GET.
	Render bool `yaml:"render"`
	// RemoteURL is the DevTools websocket of an existing browser.
	RemoteURL string `yaml:"remote_url"`
	// MinParagraph is the shortest <p> kept. Default 50 characters.
	MinParagraph int `yaml:"min_paragraph"`
	// MinText is the shortest page kept. Default 200 characters.
	MinText int `yaml:"min_text"`
	// MaxText truncates page text. Default 1000 characters.
	MaxText int `yaml:"max_text"`
}

// Connector scrapes a fixed list of pages.
type Connector struct {
	opts     Options
	fetcher  *fetch.Fetcher
	renderer Renderer
	now      func() time.Time
}

// New validates opts.
func New(f *fetch.Fetcher, opts Options) (*Connector, error) {
	if len(opts.URLs) == 0 {
		return nil, fmt.Errorf("web: at least one url is required")
	}
	if opts.MinParagraph <= 0 {
		opts.MinParagraph = 50
	}
	if opts.MinText <= 0 {
		opts.MinText = 200
	}
	if opts.MaxText <= 0 {
		opts.MaxText = 1000
	}
	c := &Connector{opts: opts, fetcher: f, now: time.Now}
	if opts.Render {
		c.renderer = &BrowserRenderer{RemoteURL: opts.RemoteURL}
	}
	return c, nil
}

// Factory registers the connector against a shared fetcher.
func Factory(f *fetch.Fetcher) connector.Factory {
	return func(spec connector.Spec) (connector.Connector, error) {
		var opts Options
		if err := spec.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(f, opts)
	}
}

// Fetch implements connector.Connector. Pages that fail are skipped as long
// as at least one page answered; otherwise the first error is returned.
func (c *Connector) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	seen := map[string]string{}
	if cursor != "" {
		_ = json.Unmarshal([]byte(cursor), &seen)
	}

	var payloads []connector.RawPayload
	var firstErr error
	var hint connector.RateHint
	answered := 0
	for _, u := range c.opts.URLs {
		body, retryAfter, err := c.load(ctx, u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			continue
		}
		answered++
		hint.RetryAfter = max(hint.RetryAfter, retryAfter)

		page, err := Extract(body, c.opts.MinParagraph)
		if err != nil {
			continue
		}
		text := page.Text()
		if len([]rune(text)) < c.opts.MinText {
			continue
		}
		sum := sha256.Sum256([]byte(text))
		hash := hex.EncodeToString(sum[:])
		if seen[u] == hash {
			continue
		}
		seen[u] = hash
		payloads = append(payloads, connector.RawPayload{
			NativeID: revisionID(u, hash),
			URL:      u,
			HTML:     c.rebuild(page),
			Fields: map[string]any{
				"title":        page.Title,
				"paragraphs":   len(page.Paragraphs),
				"content_hash": hash,
				"scraped_at":   c.now().UTC().Format(time.RFC3339),
			},
		})
	}
	if answered == 0 && firstErr != nil {
		return nil, firstErr
	}

	next, _ := json.Marshal(seen)
	return &connector.Result{Payloads: payloads, NextCursor: string(next), Hint: hint}, nil
}

// revisionID identifies one version of a page.
func revisionID(u, hash string) string {
	return u + "#" + hash[:16]
}

func (c *Connector) load(ctx context.Context, u string) ([]byte, time.Duration, error) {
	if c.renderer != nil {
		body, err := c.renderer.Render(ctx, u)
		if err != nil {
			return nil, 0, connector.Classify("render "+u, 0, err)
		}
		return body, 0, nil
	}
	resp, err := c.fetcher.Get(ctx, fetch.Request{URL: u})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.RetryAfter, nil
}

// rebuild emits the kept paragraphs as escaped <p> blocks, truncated to
// MaxText characters of text.
func (c *Connector) rebuild(page Page) []byte {
	var sb strings.Builder
	budget := c.opts.MaxText
	for _, p := range page.Paragraphs {
		if budget <= 0 {
			break
		}
		p = truncateRunes(p, budget)
		budget -= len([]rune(p))
		sb.WriteString("<p>")
		sb.WriteString(html.EscapeString(p))
		sb.WriteString("</p>\n")
	}
	return []byte(sb.String())
}
