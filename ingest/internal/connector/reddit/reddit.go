// Package reddit polls Reddit listings through the public JSON endpoints.
//
// The cursor is the fullname (t3_xxx) of the newest post already seen and is
// sent as "before", so every poll returns only posts newer than it. A
// post deleted upstream makes every "before" poll come back empty, so the
// cursor also counts empty polls ("t3_xxx;3"); after StaleAfter of them the
// anchor is looked up in the plain listing and dropped if it is gone.
package reddit

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
)

// Type is the registry name of this connector.
const Type = "reddit"

const (
	publicBase = "https://www.reddit.com"
	oauthBase  = "https://oauth.reddit.com"
)

// Options selects the listing to poll.
type Options struct {
	// Query is a search string. Empty polls the subreddit's new listing.
	Query     string `yaml:"query"`
	Subreddit string `yaml:"subreddit"`
	Sort      string `yaml:"sort"`  // default "new"
	Limit     int    `yaml:"limit"` // default 10, max 100
	// BaseURL overrides the API host.
	BaseURL string `yaml:"base_url"`
	// StaleAfter is the number of consecutive empty polls before the
	// anchor post is re-checked. Default 5.
	StaleAfter int `yaml:"stale_after"`
}

// Connector polls one Reddit listing.
type Connector struct {
	opts       Options
	credential string
	fetcher    *fetch.Fetcher
}

// New validates opts. With a credential (an OAuth access token) the oauth
// host is used.
func New(f *fetch.Fetcher, opts Options, credential string) (*Connector, error) {
	if opts.Query == "" && opts.Subreddit == "" {
		return nil, fmt.Errorf("reddit: query or subreddit is required")
	}
	if opts.Sort == "" {
		opts.Sort = "new"
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5
	}
	if opts.BaseURL == "" {
		opts.BaseURL = publicBase
		if credential != "" {
			opts.BaseURL = oauthBase
		}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Connector{opts: opts, credential: credential, fetcher: f}, nil
}

// Factory registers the connector against a shared fetcher.
func Factory(f *fetch.Fetcher) connector.Factory {
	return func(spec connector.Spec) (connector.Connector, error) {
		var opts Options
		if err := spec.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(f, opts, spec.Credential)
	}
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string         `json:"kind"`
			Data map[string]any `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Fetch implements connector.Connector.
func (c *Connector) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	anchor, empties := parseCursor(cursor)
	l, hint, err := c.list(ctx, anchor)
	if err != nil {
		return nil, err
	}
	if payloads, newest := toPayloads(l); len(payloads) > 0 || anchor == "" {
		return &connector.Result{Payloads: payloads, NextCursor: cmp.Or(newest, cursor), Hint: hint}, nil
	}

	empties++
	if empties < c.opts.StaleAfter {
		return &connector.Result{NextCursor: formatCursor(anchor, empties), Hint: hint}, nil
	}

	fresh, hint, err := c.list(ctx, "")
	if err != nil {
		return nil, err
	}
	if fresh.has(anchor) || len(fresh.Data.Children) == 0 {
		return &connector.Result{NextCursor: anchor, Hint: hint}, nil
	}
	// The anchor is gone: resume from the current listing. Posts already
	// stored are deduped by fullname.
	payloads, newest := toPayloads(fresh)
	return &connector.Result{Payloads: payloads, NextCursor: cmp.Or(newest, anchor), Hint: hint}, nil
}

func (c *Connector) list(ctx context.Context, before string) (*listing, connector.RateHint, error) {
	h := http.Header{}
	if c.credential != "" {
		h.Set("Authorization", "Bearer "+c.credential)
	}
	var l listing
	resp, err := c.fetcher.GetJSON(ctx, fetch.Request{URL: c.listingURL(before), Header: h}, &l)
	if err != nil {
		return nil, connector.RateHint{}, err
	}
	return &l, connector.RateHint{RetryAfter: resp.RetryAfter}, nil
}

func (l *listing) has(name string) bool {
	for _, ch := range l.Data.Children {
		if n, _ := ch.Data["name"].(string); n == name {
			return true
		}
	}
	return false
}

// toPayloads emits a listing oldest first and returns the newest fullname.
func toPayloads(l *listing) ([]connector.RawPayload, string) {
	children := l.Data.Children
	payloads := make([]connector.RawPayload, 0, len(children))
	var newest string
	for i := len(children) - 1; i >= 0; i-- {
		d := children[i].Data
		if d == nil {
			continue
		}
		name, _ := d["name"].(string)
		p := connector.RawPayload{NativeID: name, Fields: d}
		if permalink, _ := d["permalink"].(string); permalink != "" {
			p.URL = publicBase + permalink
		}
		if name != "" {
			p.Cursor = name
			newest = name
		}
		payloads = append(payloads, p)
	}
	return payloads, newest
}

func parseCursor(cursor string) (string, int) {
	anchor, count, ok := strings.Cut(cursor, ";")
	if !ok {
		return cursor, 0
	}
	n, _ := strconv.Atoi(count)
	return anchor, n
}

func formatCursor(anchor string, empties int) string {
	return anchor + ";" + strconv.Itoa(empties)
}

func (c *Connector) listingURL(cursor string) string {
	q := url.Values{}
	q.Set("sort", c.opts.Sort)
	q.Set("limit", strconv.Itoa(c.opts.Limit))
	q.Set("raw_json", "1")
	if cursor != "" {
		q.Set("before", cursor)
	}

	path := "/search.json"
	switch {
	case c.opts.Subreddit != "" && c.opts.Query != "":
		path = "/r/" + url.PathEscape(c.opts.Subreddit) + "/search.json"
		q.Set("restrict_sr", "1")
	case c.opts.Subreddit != "":
		path = "/r/" + url.PathEscape(c.opts.Subreddit) + "/" + url.PathEscape(c.opts.Sort) + ".json"
		q.Del("sort")
	}
	if c.opts.Query != "" {
		q.Set("q", c.opts.Query)
	}
	return c.opts.BaseURL + path + "?" + q.Encode()
}
