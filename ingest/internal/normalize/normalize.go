// Package normalize turns source-native payloads into store records.
//
// Normalization is pure: the same payload always yields the same record
// (apart from IngestedAt, which the store assigns). Field extraction is
// driven by a per-source Mapping of dot-paths into the payload's JSON
// object; web payloads carry an HTML body that is converted to markdown.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"maps"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Mapping locates record fields inside a payload's Fields object.
// Paths are dot-separated; numeric segments index arrays ("media.0.url").
type Mapping struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	// Text values that are non-empty are joined by a blank line.
	Text   []string `yaml:"text"`
	Author string   `yaml:"author"`
	Time   string   `yaml:"time"`
	URL    string   `yaml:"url"`
	// URLPrefix is prepended to relative URLs ("/r/golang/..." on Reddit).
	URLPrefix string `yaml:"url_prefix"`
	// Extra copies additional values into Metadata, keyed by name.
	Extra map[string]string `yaml:"extra"`
}

// DefaultMapping covers the common field names of JSON feeds.
var DefaultMapping = Mapping{
	ID:     "id",
	Title:  "title",
	Text:   []string{"text"},
	Author: "author",
	Time:   "published_at",
	URL:    "url",
}

// MalformedPayloadError means a payload carries nothing to identify it by.
// The orchestrator counts it as dropped and moves on.
type MalformedPayloadError struct {
	Source string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("normalize: malformed %s payload: %s", e.Source, e.Reason)
}

// Normalizer maps payloads to records. Safe for concurrent use.
type Normalizer struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	md       *converter.Converter
	policy   *bluemonday.Policy
}

// New creates a Normalizer with the built-in mappings.
func New() *Normalizer {
	n := &Normalizer{
		mappings: make(map[string]Mapping),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy: bluemonday.StrictPolicy(),
	}
	maps.Copy(n.mappings, builtinMappings)
	return n
}

// SetMapping installs or replaces the mapping for source.
func (n *Normalizer) SetMapping(source string, m Mapping) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappings[source] = m
}

// MappingFor returns the mapping used for source.
func (n *Normalizer) MappingFor(source string) Mapping {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if m, ok := n.mappings[source]; ok {
		return m
	}
	return DefaultMapping
}

// Normalize maps p to a record. It fails only with *MalformedPayloadError.
func (n *Normalizer) Normalize(source, connectorID string, p connector.RawPayload) (*store.Record, error) {
	if p.Fields == nil && len(p.HTML) == 0 && p.NativeID == "" {
		return nil, &MalformedPayloadError{Source: source, Reason: "empty payload"}
	}
	m := n.MappingFor(source)

	rec := &store.Record{
		Source:      source,
		ConnectorID: connectorID,
		CursorToken: p.Cursor,
		Metadata:    map[string]any{},
	}

	rec.NativeID = strings.TrimSpace(p.NativeID)
	if rec.NativeID == "" && m.ID != "" {
		rec.NativeID = strings.TrimSpace(lookupString(p.Fields, m.ID))
	}
	rec.Title = n.clean(lookupString(p.Fields, m.Title))
	rec.Author = n.clean(lookupString(p.Fields, m.Author))

	if len(p.HTML) > 0 {
		rec.Text = n.htmlToMarkdown(string(p.HTML), p.URL)
	} else {
		parts := make([]string, 0, len(m.Text))
		for _, path := range m.Text {
			if v := n.clean(lookupString(p.Fields, path)); v != "" {
				parts = append(parts, v)
			}
		}
		rec.Text = strings.Join(parts, "\n\n")
	}

	rawURL := strings.TrimSpace(lookupString(p.Fields, m.URL))
	if rawURL != "" && m.URLPrefix != "" && !strings.Contains(rawURL, "://") {
		rawURL = strings.TrimRight(m.URLPrefix, "/") + "/" + strings.TrimLeft(rawURL, "/")
	}
	if rawURL == "" {
		rawURL = p.URL
	}
	rec.URL = rawURL

	if v, ok := lookup(p.Fields, m.Time); ok {
		if t, ok := ParseTime(v); ok {
			rec.PublishedAt = &t
		}
	}

	for key, path := range m.Extra {
		if v, ok := lookup(p.Fields, path); ok && v != nil {
			rec.Metadata[key] = v
		}
	}
	rec.Metadata["text_length"] = utf8.RuneCountInString(rec.Text)
	rec.Metadata["has_non_ascii"] = hasNonASCII(rec.Title + rec.Text)
	if rec.Title != "" {
		rec.Metadata["title"] = rec.Title
	}

	fp, err := Fingerprint(source, rec.NativeID, rec.URL, rec.Author, rec.Text)
	if err != nil {
		return nil, &MalformedPayloadError{Source: source, Reason: err.Error()}
	}
	rec.Fingerprint = fp
	return rec, nil
}

// Fingerprint derives the dedup key. A native id wins; then the
// normalized URL, shared across sources so the same article from two
// connectors collapses; then the text itself.
func Fingerprint(source, nativeID, rawURL, author, text string) (string, error) {
	var material string
	if nativeID != "" {
		material = "id\x00" + source + "\x00" + nativeID
	} else if rawURL != "" {
		if u, err := NormalizeURL(rawURL); err == nil {
			material = "url\x00" + u
		}
	}
	if material == "" {
		text = strings.TrimSpace(text)
		if text == "" {
			return "", errors.New("no id, usable url or text")
		}
		material = "text\x00" + source + "\x00" + author + "\x00" + text
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

func (n *Normalizer) clean(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>&") {
		s = html.UnescapeString(n.policy.Sanitize(s))
	}
	return strings.TrimSpace(s)
}

func (n *Normalizer) htmlToMarkdown(body, sourceURL string) string {
	var (
		out string
		err error
	)
	if sourceURL != "" {
		out, err = n.md.ConvertString(body, converter.WithDomain(sourceURL))
	} else {
		out, err = n.md.ConvertString(body)
	}
	if err != nil || strings.TrimSpace(out) == "" {
		return n.clean(body)
	}
	return strings.TrimSpace(out)
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// lookup walks a dot-path through maps and slices.
func lookup(fields map[string]any, path string) (any, bool) {
	if fields == nil || path == "" {
		return nil, false
	}
	var cur any = fields
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupString(fields map[string]any, path string) string {
	v, ok := lookup(fields, path)
	if !ok {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
