package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
)

var errNotAFeed = errors.New("feed: not an RSS, RDF or Atom document")

// document is a feed reduced to what the connector emits.
type document struct {
	title string
	items []item
}

// item is one entry with its dates already parsed. Atom's updated stays
// apart from published; date() picks the one used for ordering.
type item struct {
	id        string
	title     string
	link      string
	summary   string
	content   string
	author    string
	published time.Time
	updated   time.Time
}

func (it item) date() time.Time {
	if !it.published.IsZero() {
		return it.published
	}
	return it.updated
}

// payload builds the connector payload. Entries with a link dedup by URL
// across sources; the others fall back to their id.
func (it item) payload(feedTitle string) connector.RawPayload {
	fields := map[string]any{
		"guid":       it.id,
		"title":      it.title,
		"content":    it.content,
		"summary":    it.summary,
		"author":     it.author,
		"link":       it.link,
		"feed_title": feedTitle,
	}
	putTime(fields, "published", it.published)
	putTime(fields, "updated", it.updated)
	putTime(fields, "date", it.date())

	p := connector.RawPayload{URL: it.link, Fields: fields}
	if it.link == "" {
		p.NativeID = it.id
	}
	return p
}

func putTime(fields map[string]any, key string, t time.Time) {
	if !t.IsZero() {
		fields[key] = t.Format(time.RFC3339)
	}
}

// since keeps the items dated at or after t, plus undated ones, oldest
// first. The bound is inclusive: feed dates are often second or minute
// precision, so a new entry can carry the cursor's own timestamp.
func (d *document) since(t time.Time) []item {
	out := make([]item, 0, len(d.items))
	for _, it := range d.items {
		if at := it.date(); !t.IsZero() && !at.IsZero() && at.Before(t) {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].date().Before(out[j].date()) })
	return out
}

// parse decodes the body once, dispatching on the root element.
func parse(body []byte) (*document, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errNotAFeed
		}
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		root, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var src interface{ document() *document }
		switch strings.ToLower(root.Name.Local) {
		case "rss":
			src = new(rssDoc)
		case "rdf":
			src = new(rdfDoc)
		case "feed":
			src = new(atomDoc)
		default:
			return nil, fmt.Errorf("%w: root <%s>", errNotAFeed, root.Name.Local)
		}
		if err := dec.DecodeElement(src, &root); err != nil {
			return nil, fmt.Errorf("feed: decode <%s>: %w", root.Name.Local, err)
		}
		return src.document(), nil
	}
}

// RSS 2.0 nests items in the channel; RSS 1.0 (RDF) puts them beside it.
type rssDoc struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rdfDoc struct {
	Channel struct {
		Title string `xml:"title"`
	} `xml:"channel"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	About       string `xml:"about,attr"`
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Encoded     string `xml:"encoded"`
	PubDate     string `xml:"pubDate"`
	DCDate      string `xml:"date"`
	Author      string `xml:"author"`
	Creator     string `xml:"creator"`
}

func (d *rssDoc) document() *document { return rssItems(d.Channel.Title, d.Channel.Items) }
func (d *rdfDoc) document() *document { return rssItems(d.Channel.Title, d.Items) }

func rssItems(title string, in []rssItem) *document {
	doc := &document{title: strings.TrimSpace(title), items: make([]item, 0, len(in))}
	for _, ri := range in {
		link := strings.TrimSpace(ri.Link)
		doc.items = append(doc.items, item{
			id:        firstNonEmpty(ri.GUID, ri.About, link),
			title:     strings.TrimSpace(ri.Title),
			link:      link,
			summary:   strings.TrimSpace(ri.Description),
			content:   strings.TrimSpace(ri.Encoded),
			author:    firstNonEmpty(ri.Author, ri.Creator),
			published: parseDate(firstNonEmpty(ri.PubDate, ri.DCDate)),
		})
	}
	return doc
}

type atomDoc struct {
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Summary   string `xml:"summary"`
	Content   string `xml:"content"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

func (d *atomDoc) document() *document {
	doc := &document{title: strings.TrimSpace(d.Title), items: make([]item, 0, len(d.Entries))}
	for _, e := range d.Entries {
		it := item{
			title:     strings.TrimSpace(e.Title),
			link:      e.alternate(),
			summary:   strings.TrimSpace(e.Summary),
			content:   strings.TrimSpace(e.Content),
			published: parseDate(e.Published),
			updated:   parseDate(e.Updated),
		}
		it.id = firstNonEmpty(e.ID, it.link)
		if len(e.Authors) > 0 {
			it.author = strings.TrimSpace(e.Authors[0].Name)
		}
		doc.items = append(doc.items, it)
	}
	return doc
}

// alternate is the entry's rel="alternate" (or unqualified) link, else the
// first one.
func (e atomEntry) alternate() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(e.Links) > 0 {
		return strings.TrimSpace(e.Links[0].Href)
	}
	return ""
}

func parseDate(s string) time.Time {
	t, _ := normalize.ParseTime(s)
	return t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
