package store

import (
	"context"

	"github.com/hazyhaar/ingestd/idgen"
)

var newFetchLogID = idgen.Prefixed("flg_", idgen.UUIDv7())

// InsertFetchLog records one orchestrator turn. ID and FetchedAt are
// filled when empty.
func (s *Store) InsertFetchLog(ctx context.Context, e *FetchLogEntry) error {
	if e.ID == "" {
		e.ID = newFetchLogID()
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = s.now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, connector_id, status, fetched, inserted, deduped,
		dropped, error_message, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConnectorID, e.Status, e.Fetched, e.Inserted, e.Deduped,
		e.Dropped, e.Error, e.DurationMs, e.FetchedAt.UnixMilli(),
	)
	return storeErr("insert fetch log", err)
}

// FetchHistory returns fetch log entries for a connector, newest first.
func (s *Store) FetchHistory(ctx context.Context, connectorID string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, connector_id, status, fetched, inserted, deduped, dropped,
		error_message, duration_ms, fetched_at
		FROM fetch_log WHERE connector_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, connectorID, limit)
	if err != nil {
		return nil, storeErr("fetch history", err)
	}
	defer rows.Close()

	result := []*FetchLogEntry{}
	for rows.Next() {
		var (
			e  FetchLogEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.ConnectorID, &e.Status, &e.Fetched, &e.Inserted,
			&e.Deduped, &e.Dropped, &e.Error, &e.DurationMs, &at); err != nil {
			return nil, storeErr("fetch history scan", err)
		}
		e.FetchedAt = timeFromMs(at)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("fetch history", err)
	}
	return result, nil
}
