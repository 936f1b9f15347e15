package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
)

func TestNormalize_Reddit(t *testing.T) {
	// WHAT: A Reddit post maps onto the common record shape.
	// WHY: The built-in mapping is what every reddit connector relies on.
	n := New()
	p := connector.RawPayload{
		NativeID: "t3_abc",
		Fields: map[string]any{
			"title":       "Go 1.25 released",
			"selftext":    "Release notes are out.",
			"author":      "gopher",
			"created_utc": json.Number("1767225600"),
			"permalink":   "/r/golang/comments/abc/go_125/",
			"subreddit":   "golang",
			"score":       json.Number("42"),
		},
		Cursor: "t3_abc",
	}
	rec, err := n.Normalize("reddit", "reddit-golang", p)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Title != "Go 1.25 released" || rec.Author != "gopher" {
		t.Errorf("title/author: %q %q", rec.Title, rec.Author)
	}
	if rec.Text != "Release notes are out." {
		t.Errorf("text: %q", rec.Text)
	}
	if rec.URL != "https://www.reddit.com/r/golang/comments/abc/go_125/" {
		t.Errorf("url: %q", rec.URL)
	}
	if rec.PublishedAt == nil || !rec.PublishedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("published: %v", rec.PublishedAt)
	}
	if rec.Metadata["subreddit"] != "golang" {
		t.Errorf("metadata subreddit: %v", rec.Metadata["subreddit"])
	}
	if rec.Metadata["text_length"] != len("Release notes are out.") {
		t.Errorf("text_length: %v", rec.Metadata["text_length"])
	}
	if rec.Metadata["title"] != rec.Title {
		t.Errorf("metadata title: %v", rec.Metadata["title"])
	}
	if rec.ConnectorID != "reddit-golang" || rec.CursorToken != "t3_abc" || rec.NativeID != "t3_abc" {
		t.Errorf("ids: %+v", rec)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	n := New()
	p := connector.RawPayload{Fields: map[string]any{"text": "same words", "author": "a"}}
	a, err := n.Normalize("misc", "c1", p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize("misc", "c1", p)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Error("same payload must give same fingerprint")
	}
}

func TestFingerprint_Scheme(t *testing.T) {
	// WHAT: Native ids are scoped by source, URLs are not.
	// WHY: The same article seen by two feeds must dedup; two sources reusing id "1" must not.
	idA, _ := Fingerprint("a", "1", "", "", "")
	idB, _ := Fingerprint("b", "1", "", "", "")
	if idA == idB {
		t.Error("native ids from different sources must differ")
	}

	u1, _ := Fingerprint("rss", "", "https://Example.com/post/?utm_source=x#top", "", "")
	u2, _ := Fingerprint("web", "", "https://example.com/post", "", "other text")
	if u1 != u2 {
		t.Error("equivalent URLs from different sources must match")
	}

	t1, _ := Fingerprint("s", "", "", "bob", "hello")
	t2, _ := Fingerprint("s", "", "", "alice", "hello")
	if t1 == t2 {
		t.Error("text fingerprint includes author")
	}

	if _, err := Fingerprint("s", "", "", "", "   "); err == nil {
		t.Error("nothing to fingerprint should fail")
	}

	bad, err := Fingerprint("s", "", "not a url at all", "", "body")
	if err != nil || bad == "" {
		t.Errorf("unusable URL should fall back to text: %v", err)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	n := New()
	cases := []connector.RawPayload{
		{},
		{Fields: map[string]any{"irrelevant": true}},
	}
	for i, p := range cases {
		_, err := n.Normalize("misc", "c", p)
		var me *MalformedPayloadError
		if !errors.As(err, &me) {
			t.Errorf("case %d: want MalformedPayloadError, got %v", i, err)
		}
	}
}

func TestNormalize_HTMLToMarkdown(t *testing.T) {
	n := New()
	p := connector.RawPayload{
		URL:    "https://news.example.com/a",
		HTML:   []byte("<p>Hello <strong>world</strong>, this is a paragraph.</p><p>Second one.</p>"),
		Fields: map[string]any{"title": "Page"},
	}
	rec, err := n.Normalize("web", "w", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Text, "**world**") {
		t.Errorf("markdown: %q", rec.Text)
	}
	if !strings.Contains(rec.Text, "Second one.") {
		t.Errorf("second paragraph missing: %q", rec.Text)
	}
	if rec.URL != p.URL {
		t.Errorf("url should fall back to payload URL: %q", rec.URL)
	}
}

func TestNormalize_SanitizesText(t *testing.T) {
	n := New()
	p := connector.RawPayload{Fields: map[string]any{
		"title": "<b>Bold</b> &amp; plain",
		"text":  "café <i>au</i> lait",
	}}
	rec, err := n.Normalize("misc", "c", p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Title != "Bold & plain" {
		t.Errorf("title: %q", rec.Title)
	}
	if rec.Text != "café au lait" {
		t.Errorf("text: %q", rec.Text)
	}
	if rec.Metadata["has_non_ascii"] != true {
		t.Error("has_non_ascii should be true")
	}
}

func TestNormalize_CustomMapping(t *testing.T) {
	n := New()
	n.SetMapping("api", Mapping{
		ID:    "data.uid",
		Title: "data.headline",
		Text:  []string{"data.lead", "data.body"},
		Time:  "data.ts",
		Extra: map[string]string{"first_tag": "data.tags.0"},
	})
	p := connector.RawPayload{Fields: map[string]any{"data": map[string]any{
		"uid":      "x-1",
		"headline": "H",
		"lead":     "Lead.",
		"body":     "Body.",
		"ts":       float64(1767225600000),
		"tags":     []any{"go", "sqlite"},
	}}}
	rec, err := n.Normalize("api", "c", p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NativeID != "x-1" || rec.Title != "H" || rec.Text != "Lead.\n\nBody." {
		t.Errorf("mapped: %+v", rec)
	}
	if rec.PublishedAt == nil || rec.PublishedAt.Year() != 2026 {
		t.Errorf("epoch millis: %v", rec.PublishedAt)
	}
	if rec.Metadata["first_tag"] != "go" {
		t.Errorf("extra: %v", rec.Metadata["first_tag"])
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		in any
		ok bool
	}{
		{"2026-01-02T15:04:05Z", true},
		{"2026-01-02T17:04:05+02:00", true},
		{"Fri, 02 Jan 2026 15:04:05 +0000", true},
		{"Fri, 2 Jan 2026 15:04:05 +0000", true},
		{"Fri, 02 Jan 2026 15:04:05 GMT", true},
		{float64(want.Unix()), true},
		{json.Number("1767366245000"), true},
		{"1767366245", true},
		{"yesterday", false},
		{"", false},
		{nil, false},
		{float64(-5), false},
	}
	for _, tt := range tests {
		got, ok := ParseTime(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseTime(%v): ok=%v want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(want) {
			t.Errorf("ParseTime(%v) = %v, want %v", tt.in, got, want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path", false},
		{"https://example.com/a?b=2&a=1#frag", "https://example.com/a?a=1&b=2", false},
		{"https://example.com/a?utm_source=tw&id=3", "https://example.com/a?id=3", false},
		{"http://example.com/x", "http://example.com/x", false},
		{"reddit:t3_abc", "reddit:t3_abc", false},
		{"", "", true},
		{"https:///nohost", "", true},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeURL(%q) err=%v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
