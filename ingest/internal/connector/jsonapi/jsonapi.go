// Package jsonapi is a generic connector for JSON HTTP APIs.
//
// The response is walked along a dot-notation path to the array of items;
// each object in it becomes one payload. Field mapping is left to the
// normalizer (per-connector mapping in the configuration).
package jsonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
)

// Type is the registry name of this connector.
const Type = "jsonapi"

// Options describes how to call and walk one API.
type Options struct {
	URL string `yaml:"url"`
	// Headers are sent on every request; ${ENV_VAR} is expanded.
	Headers map[string]string `yaml:"headers"`
	// ResultPath is a dot-notation path to the item array, e.g.
	// "data.results". Empty means the root is the array.
	ResultPath string `yaml:"result_path"`
	// IDField names the item field holding the native id. Default "id".
	IDField string `yaml:"id_field"`
	// URLField names the item field holding the item's link. Default "url".
	URLField string `yaml:"url_field"`
	// CursorParam is the query parameter the cursor is sent in. When empty
	// the cursor is not sent.
	CursorParam string `yaml:"cursor_param"`
	// NextCursorPath is a dot-notation path to the next cursor in the
	// response. When empty or absent the cursor does not move.
	NextCursorPath string `yaml:"next_cursor_path"`
}

// Connector polls one JSON API.
type Connector struct {
	opts       Options
	credential string
	fetcher    *fetch.Fetcher
}

// New validates opts. A non-empty credential is sent as a bearer token.
func New(f *fetch.Fetcher, opts Options, credential string) (*Connector, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("jsonapi: url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("jsonapi: url: %w", err)
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.URLField == "" {
		opts.URLField = "url"
	}
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

// Fetch implements connector.Connector.
func (c *Connector) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	target := c.opts.URL
	if cursor != "" && c.opts.CursorParam != "" {
		u, _ := url.Parse(target)
		q := u.Query()
		q.Set(c.opts.CursorParam, cursor)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	h := http.Header{}
	for k, v := range c.opts.Headers {
		h.Set(k, os.Expand(v, os.Getenv))
	}
	if c.credential != "" && h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+c.credential)
	}

	var raw any
	resp, err := c.fetcher.GetJSON(ctx, fetch.Request{URL: target, Header: h}, &raw)
	if err != nil {
		return nil, err
	}

	items, err := walkPath(raw, c.opts.ResultPath)
	if err != nil {
		// The API answered but not in the expected shape; retry later.
		return nil, connector.Classify("walk "+c.opts.URL, 0, fmt.Errorf("path %q: %w", c.opts.ResultPath, err))
	}

	payloads := make([]connector.RawPayload, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		payloads = append(payloads, connector.RawPayload{
			NativeID: asString(obj[c.opts.IDField]),
			URL:      asString(obj[c.opts.URLField]),
			Fields:   obj,
		})
	}

	next := cursor
	if c.opts.NextCursorPath != "" {
		if v, ok := walkValue(raw, c.opts.NextCursorPath); ok {
			if s := asString(v); s != "" {
				next = s
			}
		}
	}
	return &connector.Result{
		Payloads:   payloads,
		NextCursor: next,
		Hint:       connector.RateHint{RetryAfter: resp.RetryAfter},
	}, nil
}

// walkPath walks a dot-notation path into a JSON value, returning the items
// found at that path. If the path is empty, the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	current := v
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object at %q, got %T", part, current)
			}
			current, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
		}
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	return arr, nil
}

func walkValue(v any, path string) (any, bool) {
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
