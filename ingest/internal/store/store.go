// Package store is the durable side of ingestion: normalized records,
// connector scheduling state, the fetch log and forwarding checkpoints,
// all in one SQLite database.
//
// Writes are serialized in-process and run through dbopen.RunTx so that a
// batch of records and the cursor that produced it commit together. Reads
// go straight to the pool and see WAL snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store wraps the ingest database.
type Store struct {
	DB *sql.DB

	// wmu serializes writers and guards lastIngest.
	wmu        sync.Mutex
	lastIngest int64
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New applies the schema to db and returns a Store bound to it.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{DB: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := ApplySchema(db); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(ingested_at) FROM records`).Scan(&last); err != nil {
		return nil, fmt.Errorf("store: load ingest clock: %w", err)
	}
	s.lastIngest = last.Int64
	return s, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.DB.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// nextIngest returns a timestamp strictly after every one handed out so
// far. Callers hold wmu and commit the value only once their tx succeeds.
func (s *Store) nextIngest(after int64) int64 {
	n := s.now().UnixNano()
	if n <= after {
		n = after + 1
	}
	return n
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeFromMs(v.Int64)
	return &t
}

func timeFromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
