package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// TxAttempts is how many times RunTx tries a transaction that keeps
// hitting SQLITE_BUSY. Pauses grow by 100ms per attempt.
const TxAttempts = 3

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including
// extended codes. Errors that lost their type are matched by message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn in a transaction and commits it. If fn or the commit fails
// with BUSY, the attempt is rolled back whole and retried; every other error
// rolls back and is returned unchanged. fn must therefore be safe to rerun.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= TxAttempts; attempt++ {
		if err = attemptTx(ctx, db, fn); !IsBusy(err) {
			return err
		}
		if attempt == TxAttempts {
			break
		}
		pause := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			pause.Stop()
			return fmt.Errorf("dbopen: retry interrupted: %w", ctx.Err())
		case <-pause.C:
		}
	}
	return fmt.Errorf("dbopen: still busy after %d attempts: %w", TxAttempts, err)
}

func attemptTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
