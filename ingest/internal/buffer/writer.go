// Package buffer exports stored records for offline consumers: one .md file
// per record with YAML frontmatter (for a RAG indexer), or a JSON stream of
// the whole corpus.
//
// Files are written atomically (write .tmp then rename) so a consumer
// watching the directory never reads a partial file.
package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Frontmatter is the YAML header of an exported file.
type Frontmatter struct {
	ID          string         `yaml:"id"`
	Source      string         `yaml:"source"`
	ConnectorID string         `yaml:"connector_id"`
	NativeID    string         `yaml:"native_id,omitempty"`
	Title       string         `yaml:"title,omitempty"`
	Author      string         `yaml:"author,omitempty"`
	SourceURL   string         `yaml:"source_url,omitempty"`
	PublishedAt *time.Time     `yaml:"published_at,omitempty"`
	IngestedAt  time.Time      `yaml:"ingested_at"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
	Annotations map[string]any `yaml:"annotations,omitempty"`
}

// Writer deposits .md files into a directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer targeting dir. The directory is created on
// first write if it does not exist.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write creates <fingerprint>.md for r and returns its path. Rewriting the
// same record replaces the file.
func (w *Writer) Write(ctx context.Context, r *store.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("buffer: mkdir %s: %w", w.dir, err)
	}
	target, err := horosafe.SafePath(w.dir, r.Fingerprint+".md")
	if err != nil {
		return "", fmt.Errorf("buffer: %w", err)
	}

	content, err := Format(r)
	if err != nil {
		return "", err
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("buffer: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("buffer: rename: %w", err)
	}
	return target, nil
}

// Format renders r as frontmatter followed by its text.
func Format(r *store.Record) ([]byte, error) {
	fm := Frontmatter{
		ID:          r.Fingerprint,
		Source:      r.Source,
		ConnectorID: r.ConnectorID,
		NativeID:    r.NativeID,
		Title:       r.Title,
		Author:      r.Author,
		SourceURL:   r.URL,
		PublishedAt: r.PublishedAt,
		IngestedAt:  r.IngestedAt,
		Metadata:    r.Metadata,
		Annotations: r.Annotations,
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("buffer: frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(r.Text)
	if r.Text != "" && r.Text[len(r.Text)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Parse splits an exported file back into frontmatter and body.
func Parse(data []byte) (*Frontmatter, string, error) {
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return nil, "", fmt.Errorf("buffer: missing frontmatter")
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return nil, "", fmt.Errorf("buffer: unterminated frontmatter")
	}
	var fm Frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return nil, "", fmt.Errorf("buffer: frontmatter: %w", err)
	}
	return &fm, string(bytes.TrimPrefix(body, []byte("\n"))), nil
}

// Querier is the read side of the store used by exports.
type Querier interface {
	Query(ctx context.Context, f store.Filter, pageToken string, limit int) (*store.Page, error)
}

// Each walks every record matching f in ingestion order.
func Each(ctx context.Context, q Querier, f store.Filter, fn func(*store.Record) error) error {
	token := ""
	for {
		page, err := q.Query(ctx, f, token, store.DefaultPageSize)
		if err != nil {
			return err
		}
		for _, r := range page.Records {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page.Records) < store.DefaultPageSize {
			return nil
		}
		token = page.NextPageToken
	}
}

// ExportMarkdown writes one .md file per matching record and returns the
// number written.
func ExportMarkdown(ctx context.Context, q Querier, f store.Filter, dir string) (int, error) {
	w := NewWriter(dir)
	n := 0
	err := Each(ctx, q, f, func(r *store.Record) error {
		if _, err := w.Write(ctx, r); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// ExportJSON writes matching records to out as JSON lines and returns the
// number written.
func ExportJSON(ctx context.Context, q Querier, f store.Filter, out io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	n := 0
	err := Each(ctx, q, f, func(r *store.Record) error {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("buffer: encode: %w", err)
		}
		n++
		return nil
	})
	return n, err
}
