package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetCheckpoint returns the value stored under name, or "" when unset.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("get checkpoint", err)
	}
	return v, nil
}

// SetCheckpoint stores value under name.
func (s *Store) SetCheckpoint(ctx context.Context, name, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO checkpoints (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, s.now().UnixMilli())
	return storeErr("set checkpoint", err)
}
