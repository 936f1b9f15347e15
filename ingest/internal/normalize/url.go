package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL is returned by NormalizeURL for unusable input.
var ErrInvalidURL = errors.New("normalize: invalid URL")

// trackingParams never change what a URL points at.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "fbclid": true, "gclid": true,
}

// NormalizeURL canonicalizes a URL for dedup: lowercase scheme and host,
// no fragment, no trailing slash, no tracking parameters, sorted query.
// http is not upgraded to https. Non-http schemes are returned as-is.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" && strings.Contains(raw, " ") {
		return "", fmt.Errorf("%w: malformed", ErrInvalidURL)
	}
	if scheme != "http" && scheme != "https" {
		return raw, nil
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			if !trackingParams[strings.ToLower(k)] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var buf strings.Builder
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				if buf.Len() > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}
	return parsed.String(), nil
}
