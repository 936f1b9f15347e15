package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Outcome status values.
const (
	OutcomeOK         = "ok"
	OutcomeTransient  = "transient"
	OutcomePermanent  = "permanent"
	OutcomeStoreError = "store_error"
)

// Outcome describes one completed fetch turn.
type Outcome struct {
	ConnectorID string
	Source      string
	Status      string       // one of the Outcome* constants
	State       store.Status // connector state after the turn
	Fetched     int
	Inserted    int
	Deduped     int
	Dropped     int
	Err         error
	Duration    time.Duration
	At          time.Time
}

// Observer receives outcomes synchronously on the connector's loop. It must
// not block for long.
type Observer interface {
	Observe(ctx context.Context, out Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, out Outcome)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, out Outcome) { f(ctx, out) }

// LogObserver logs each outcome: info on success, warn otherwise.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, out Outcome) {
		attrs := []any{
			"connector_id", out.ConnectorID,
			"source", out.Source,
			"status", out.Status,
			"state", out.State,
			"fetched", out.Fetched,
			"inserted", out.Inserted,
			"deduped", out.Deduped,
			"dropped", out.Dropped,
			"duration_ms", out.Duration.Milliseconds(),
		}
		if out.Err != nil {
			logger.WarnContext(ctx, "ingest: fetch outcome", append(attrs, "error", out.Err)...)
			return
		}
		logger.InfoContext(ctx, "ingest: fetch outcome", attrs...)
	})
}

// FetchLogger persists outcomes.
type FetchLogger interface {
	InsertFetchLog(ctx context.Context, e *store.FetchLogEntry) error
}

// FetchLogObserver writes each outcome to the fetch log. Write errors are
// logged and otherwise ignored.
func FetchLogObserver(fl FetchLogger, logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, out Outcome) {
		e := &store.FetchLogEntry{
			ConnectorID: out.ConnectorID,
			Status:      out.Status,
			Fetched:     out.Fetched,
			Inserted:    out.Inserted,
			Deduped:     out.Deduped,
			Dropped:     out.Dropped,
			DurationMs:  out.Duration.Milliseconds(),
			FetchedAt:   out.At,
		}
		if out.Err != nil {
			e.Error = out.Err.Error()
		}
		if err := fl.InsertFetchLog(ctx, e); err != nil {
			logger.Warn("scheduler: fetch log", "connector_id", out.ConnectorID, "error", err)
		}
	})
}
