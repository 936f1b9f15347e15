package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/ingestd/dbopen"
)

const stateColumns = `connector_id, last_cursor, last_success_at, consecutive_failures,
	backoff_until, status, last_error, updated_at`

func saveState(ctx context.Context, tx *sql.Tx, st *ConnectorState, now time.Time) error {
	if st.ConnectorID == "" {
		return errors.New("connector state without id")
	}
	status := st.Status
	if status == "" {
		status = StatusIdle
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO connector_state (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			last_cursor = excluded.last_cursor,
			last_success_at = excluded.last_success_at,
			consecutive_failures = excluded.consecutive_failures,
			backoff_until = excluded.backoff_until,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.ConnectorID, st.LastCursor, msPtr(st.LastSuccessAt), st.ConsecutiveFailures,
		msPtr(st.BackoffUntil), string(status), st.LastError, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.ConnectorID, err)
	}
	return nil
}

// SaveConnectorState writes st on its own (no records).
func (s *Store) SaveConnectorState(ctx context.Context, st *ConnectorState) error {
	_, err := s.commit(ctx, "save connector state", nil, st)
	return err
}

// GetConnectorState returns the persisted state for id, or ErrNotFound.
func (s *Store) GetConnectorState(ctx context.Context, id string) (*ConnectorState, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM connector_state WHERE connector_id = ?`, id)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get connector state", err)
	}
	return st, nil
}

// ListConnectorStates returns all persisted states ordered by id.
func (s *Store) ListConnectorStates(ctx context.Context) ([]*ConnectorState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM connector_state ORDER BY connector_id`)
	if err != nil {
		return nil, storeErr("list connector states", err)
	}
	defer rows.Close()

	var out []*ConnectorState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, storeErr("scan connector state", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list connector states", err)
	}
	return out, nil
}

// PruneConnectorStates deletes the state of every connector not in keep.
// Records produced by pruned connectors stay.
func (s *Store) PruneConnectorStates(ctx context.Context, keep []string) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	q := `DELETE FROM connector_state`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		q += ` WHERE connector_id NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, k := range keep {
			args = append(args, k)
		}
	}
	var n int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = out.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storeErr("prune connector states", err)
	}
	return int(n), nil
}

// ResetConnectorState re-enables a connector: status idle, failures and
// backoff cleared. The cursor is kept.
func (s *Store) ResetConnectorState(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var n int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx,
			`UPDATE connector_state SET status = ?, consecutive_failures = 0,
			backoff_until = NULL, last_error = '', updated_at = ?
			WHERE connector_id = ?`,
			string(StatusIdle), s.now().UnixMilli(), id)
		if err != nil {
			return err
		}
		n, err = out.RowsAffected()
		return err
	})
	if err != nil {
		return storeErr("reset connector state", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanState(sc scanner) (*ConnectorState, error) {
	var (
		st             ConnectorState
		success, until sql.NullInt64
		status         string
		updated        int64
	)
	if err := sc.Scan(&st.ConnectorID, &st.LastCursor, &success, &st.ConsecutiveFailures,
		&until, &status, &st.LastError, &updated); err != nil {
		return nil, err
	}
	st.LastSuccessAt = fromMs(success)
	st.BackoffUntil = fromMs(until)
	st.Status = Status(status)
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return &st, nil
}
