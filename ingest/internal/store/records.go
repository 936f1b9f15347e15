package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/ingestd/dbopen"
	"github.com/hazyhaar/ingestd/horosafe"
)

// DefaultPageSize is used by Query when limit is not positive.
const DefaultPageSize = 50

const recordColumns = `fingerprint, source, connector_id, native_id, title, text, author, url,
	published_at, metadata, annotations, ingested_at, cursor_token`

const insertRecord = `INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO NOTHING`

// Upsert stores r unless its fingerprint is already present. On insert,
// r.IngestedAt is set.
func (s *Store) Upsert(ctx context.Context, r *Record) (bool, error) {
	res, err := s.commit(ctx, "upsert", []*Record{r}, nil)
	if err != nil {
		return false, err
	}
	return res.Inserted == 1, nil
}

// CommitBatch upserts recs in order and, when st is non-nil, saves the
// connector state, all in one transaction. On error nothing is committed
// and the error is a *StoreError.
func (s *Store) CommitBatch(ctx context.Context, recs []*Record, st *ConnectorState) (BatchResult, error) {
	return s.commit(ctx, "commit batch", recs, st)
}

func (s *Store) commit(ctx context.Context, op string, recs []*Record, st *ConnectorState) (BatchResult, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var (
		res      BatchResult
		last     int64
		assigned = make([]int64, len(recs))
		now      = s.now()
	)
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res = BatchResult{}
		last = s.lastIngest
		clear(assigned)

		if len(recs) > 0 {
			stmt, err := tx.PrepareContext(ctx, insertRecord)
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			defer stmt.Close()

			for i, r := range recs {
				if r == nil || r.Fingerprint == "" {
					return fmt.Errorf("record %d has no fingerprint", i)
				}
				meta, err := marshalMap(r.Metadata)
				if err != nil {
					return fmt.Errorf("record %s metadata: %w", r.Fingerprint, err)
				}
				ann, err := marshalMap(r.Annotations)
				if err != nil {
					return fmt.Errorf("record %s annotations: %w", r.Fingerprint, err)
				}
				ts := s.nextIngest(last)
				out, err := stmt.ExecContext(ctx,
					r.Fingerprint, r.Source, r.ConnectorID, r.NativeID, r.Title, r.Text,
					r.Author, r.URL, msPtr(r.PublishedAt), meta, ann, ts, r.CursorToken)
				if err != nil {
					return fmt.Errorf("insert %s: %w", r.Fingerprint, err)
				}
				n, err := out.RowsAffected()
				if err != nil {
					return err
				}
				if n == 1 {
					res.Inserted++
					assigned[i] = ts
					last = ts
				} else {
					res.Deduped++
				}
			}
		}

		if st != nil {
			return saveState(ctx, tx, st, now)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, storeErr(op, err)
	}

	s.lastIngest = last
	for i, r := range recs {
		if assigned[i] != 0 {
			r.IngestedAt = time.Unix(0, assigned[i]).UTC()
		}
	}
	if st != nil {
		st.UpdatedAt = now.UTC()
	}
	return res, nil
}

// Seen reports whether a record with fingerprint fp is stored.
func (s *Store) Seen(ctx context.Context, fp string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM records WHERE fingerprint = ?`, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("seen", err)
	}
	return true, nil
}

// Get returns the record with fingerprint fp, or ErrNotFound.
func (s *Store) Get(ctx context.Context, fp string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE fingerprint = ?`, fp)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return r, nil
}

// Annotate sets annotations[key] = value on a record. Keys are write-once:
// setting an existing key fails with ErrAnnotationExists.
func (s *Store) Annotate(ctx context.Context, fp, key string, value any) error {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return fmt.Errorf("store: annotate: %w", err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: annotate %s: %w", key, err)
	}
	path := `$."` + key + `"`

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var affected int64
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx,
			`UPDATE records SET annotations = json_insert(annotations, ?, json(?))
			WHERE fingerprint = ? AND json_type(annotations, ?) IS NULL`,
			path, string(raw), fp, path)
		if err != nil {
			return err
		}
		affected, err = out.RowsAffected()
		return err
	})
	if err != nil {
		return storeErr("annotate", err)
	}
	if affected == 1 {
		return nil
	}
	seen, err := s.Seen(ctx, fp)
	if err != nil {
		return err
	}
	if !seen {
		return ErrNotFound
	}
	return ErrAnnotationExists
}

type pageToken struct {
	T int64  `json:"t"`
	F string `json:"f"`
}

// PageTokenFor returns the token that resumes a walk just after r.
func PageTokenFor(r *Record) string {
	b, _ := json.Marshal(pageToken{T: r.IngestedAt.UnixNano(), F: r.Fingerprint})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(s string) (pageToken, error) {
	var pt pageToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pt, ErrBadPageToken
	}
	if err := json.Unmarshal(b, &pt); err != nil || pt.F == "" || pt.T <= 0 {
		return pt, ErrBadPageToken
	}
	return pt, nil
}

// Query returns up to limit records matching f, ordered by ingested_at then
// fingerprint, starting after pageToken. NextPageToken resumes after the
// last returned record; on an empty page it echoes pageToken, so a
// consumer can keep polling the tail with it.
func (s *Store) Query(ctx context.Context, f Filter, pageToken string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.ConnectorID != "" {
		where = append(where, "connector_id = ?")
		args = append(args, f.ConnectorID)
	}
	if f.Since != nil {
		where = append(where, "ingested_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Until != nil {
		where = append(where, "ingested_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Text != "" {
		where = append(where, "(instr("+foldFunc+"(text), ?) > 0 OR instr("+foldFunc+"(title), ?) > 0)")
		needle := fold(f.Text)
		args = append(args, needle, needle)
	}
	if pageToken != "" {
		pt, err := decodePageToken(pageToken)
		if err != nil {
			return nil, err
		}
		where = append(where, "(ingested_at > ? OR (ingested_at = ? AND fingerprint > ?))")
		args = append(args, pt.T, pt.T, pt.F)
	}

	q := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ingested_at ASC, fingerprint ASC LIMIT " + strconv.Itoa(limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	page := &Page{Records: []*Record{}}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("query scan", err)
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", err)
	}

	if n := len(page.Records); n > 0 {
		page.NextPageToken = PageTokenFor(page.Records[n-1])
	} else {
		page.NextPageToken = pageToken
	}
	return page, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r         Record
		published sql.NullInt64
		meta, ann string
		ingested  int64
	)
	if err := sc.Scan(&r.Fingerprint, &r.Source, &r.ConnectorID, &r.NativeID, &r.Title,
		&r.Text, &r.Author, &r.URL, &published, &meta, &ann, &ingested, &r.CursorToken); err != nil {
		return nil, err
	}
	r.PublishedAt = fromMs(published)
	r.IngestedAt = time.Unix(0, ingested).UTC()
	if err := unmarshalMap(meta, &r.Metadata); err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", r.Fingerprint, err)
	}
	if err := unmarshalMap(ann, &r.Annotations); err != nil {
		return nil, fmt.Errorf("annotations of %s: %w", r.Fingerprint, err)
	}
	return &r, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
