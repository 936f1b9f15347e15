package store

import (
	"context"
	"strings"
	"unicode"
)

// Search runs an FTS5 query over record titles and texts, best match first.
// Plain words are matched as prefix terms; FTS5 syntax is not exposed.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return []*SearchResult{}, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT r.fingerprint, r.source, r.title,
			snippet(records_fts, 1, '[', ']', '…', 16), r.url, rank
		FROM records_fts f
		JOIN records r ON r.rowid = f.rowid
		WHERE records_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, storeErr("search", err)
	}
	defer rows.Close()

	results := []*SearchResult{}
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Fingerprint, &r.Source, &r.Title, &r.Snippet, &r.URL, &r.Rank); err != nil {
			return nil, storeErr("search scan", err)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search", err)
	}
	return results, nil
}

// ftsQuery keeps only letters and digits and quotes each word, so user
// input cannot inject FTS5 operators.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " ")
}
