package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

func (o *Orchestrator) loop(ctx context.Context, w *worker) {
	log := o.logger.With("connector_id", w.spec.ID)

	if !o.restore(ctx, w) {
		return
	}
	log.Debug("scheduler: loop started", "status", w.snapshot().Status)

	for {
		if w.snapshot().Status == store.StatusDisabled {
			log.Debug("scheduler: connector disabled, loop parked")
			<-ctx.Done()
			return
		}
		next := o.safeTurn(ctx, w)
		if !o.sleepUntil(ctx, next) {
			return
		}
	}
}

// restore loads persisted state, retrying until it succeeds or ctx ends.
// A crash mid-fetch left status fetching: the cursor was not advanced, so
// the batch is simply fetched again.
func (o *Orchestrator) restore(ctx context.Context, w *worker) bool {
	for attempt := 1; ; attempt++ {
		st, err := o.store.GetConnectorState(ctx, w.spec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return true
		}
		if err == nil {
			if st.Status == store.StatusFetching || st.Status == "" {
				st.Status = store.StatusIdle
			}
			if st.Status == store.StatusBackoff && st.BackoffUntil != nil {
				o.gov.Hold(w.spec.ID, *st.BackoffUntil)
			}
			w.setState(*st)
			return true
		}
		o.logger.Warn("scheduler: load connector state",
			"connector_id", w.spec.ID, "attempt", attempt, "error", err)
		if !o.sleepUntil(ctx, o.now().Add(min(time.Duration(attempt)*time.Second, w.spec.PollInterval))) {
			return false
		}
	}
}

// safeTurn runs turn; a panic anywhere in it counts as a transient failure
// so the worker backs off (or ends disabled) instead of dying in fetching.
func (o *Orchestrator) safeTurn(ctx context.Context, w *worker) (next time.Time) {
	defer func() {
		if r := recover(); r != nil {
			err := &connector.TransientError{Op: "turn " + w.spec.ID, Err: fmt.Errorf("panic: %v", r)}
			next = o.fail(ctx, w, w.snapshot(), err, 0)
		}
	}()
	return o.turn(ctx, w)
}

// turn runs at most one fetch and returns when the next one is due.
func (o *Orchestrator) turn(ctx context.Context, w *worker) time.Time {
	st := w.snapshot()
	now := o.now()

	if st.Status == store.StatusBackoff {
		if st.BackoffUntil != nil && now.Before(*st.BackoffUntil) {
			return *st.BackoffUntil
		}
		st.Status = store.StatusIdle
		st.BackoffUntil = nil
		w.setState(st)
	}

	if ok, until := o.gov.Acquire(w.spec.ID); !ok {
		return until
	}

	st.Status = store.StatusFetching
	w.setState(st)
	o.saveState(ctx, w, st)

	started := o.now()
	res, err := o.fetch(ctx, w, st.LastCursor)
	dur := o.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Cut off by shutdown; not the source's fault.
			st.Status = store.StatusIdle
			w.setState(st)
			o.saveState(ctx, w, st)
			return o.now()
		}
		return o.fail(ctx, w, st, err, dur)
	}
	return o.commit(ctx, w, st, res, dur)
}

// fetch calls the connector. In-flight fetches survive shutdown for
// ShutdownGrace before their context is cancelled.
func (o *Orchestrator) fetch(ctx context.Context, w *worker, cursor string) (res *connector.Result, err error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FetchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(o.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-fctx.Done():
		}
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = &connector.TransientError{Op: "fetch " + w.spec.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res, err = w.conn.Fetch(fctx, cursor)
	if err == nil && res == nil {
		res = &connector.Result{}
	}
	if err != nil && ctx.Err() != nil && fctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", context.Canceled, err)
	}
	return res, err
}

func (o *Orchestrator) fail(ctx context.Context, w *worker, st store.ConnectorState, err error, dur time.Duration) time.Time {
	log := o.logger.With("connector_id", w.spec.ID)
	st.LastError = err.Error()
	st.ConsecutiveFailures++
	out := Outcome{ConnectorID: w.spec.ID, Source: w.spec.Source, Err: err, Duration: dur}

	var next time.Time
	switch {
	case connector.IsPermanent(err):
		st.Status = store.StatusDisabled
		st.BackoffUntil = nil
		out.Status = OutcomePermanent
		log.Error("scheduler: permanent failure, connector disabled", "error", err)
	case st.ConsecutiveFailures >= w.spec.MaxFailures:
		st.Status = store.StatusDisabled
		st.BackoffUntil = nil
		out.Status = OutcomeTransient
		log.Error("scheduler: too many failures, connector disabled",
			"failures", st.ConsecutiveFailures, "error", err)
	default:
		until := o.gov.Cooldown(w.spec.ID, st.ConsecutiveFailures, connector.RetryAfter(err))
		st.Status = store.StatusBackoff
		st.BackoffUntil = &until
		out.Status = OutcomeTransient
		next = until
		log.Warn("scheduler: transient failure, backing off",
			"failures", st.ConsecutiveFailures, "backoff_until", until, "error", err)
	}
	out.State = st.Status

	w.setState(st)
	o.saveState(ctx, w, st)
	o.emit(ctx, out)
	return next
}

func (o *Orchestrator) commit(ctx context.Context, w *worker, prev store.ConnectorState, res *connector.Result, dur time.Duration) time.Time {
	log := o.logger.With("connector_id", w.spec.ID)
	out := Outcome{ConnectorID: w.spec.ID, Source: w.spec.Source, Fetched: len(res.Payloads), Duration: dur}

	recs := make([]*store.Record, 0, len(res.Payloads))
	for i, p := range res.Payloads {
		r, err := o.normalize(w.spec, p)
		if err != nil {
			var me *normalize.MalformedPayloadError
			if !errors.As(err, &me) {
				log.Warn("scheduler: normalize", "index", i, "error", err)
			} else {
				log.Debug("scheduler: dropped malformed payload", "index", i, "reason", me.Reason)
			}
			out.Dropped++
			continue
		}
		recs = append(recs, r)
	}

	now := o.now().UTC()
	next := prev
	if res.NextCursor != "" {
		next.LastCursor = res.NextCursor
	}
	next.Status = store.StatusIdle
	next.ConsecutiveFailures = 0
	next.BackoffUntil = nil
	next.LastError = ""
	next.LastSuccessAt = &now

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CommitTimeout)
	defer cancel()
	batch, err := o.store.CommitBatch(cctx, recs, &next)
	if err != nil {
		// Cursor stays where it was; the same batch is fetched again next tick.
		prev.Status = store.StatusIdle
		prev.LastError = err.Error()
		w.setState(prev)
		out.Status = OutcomeStoreError
		out.State = prev.Status
		out.Err = err
		log.Error("scheduler: commit batch", "fetched", out.Fetched, "error", err)
		o.emit(ctx, out)
		return o.now().Add(w.spec.PollInterval)
	}

	w.setState(next)
	o.gov.Reset(w.spec.ID)
	out.Status = OutcomeOK
	out.State = next.Status
	out.Inserted = batch.Inserted
	out.Deduped = batch.Deduped
	o.emit(ctx, out)

	wait := max(w.spec.PollInterval, res.Hint.RetryAfter)
	return o.now().Add(wait)
}

// normalize turns a panic in the normalizer into an error for that payload.
func (o *Orchestrator) normalize(spec ConnectorSpec, p connector.RawPayload) (r *store.Record, err error) {
	defer func() {
		if v := recover(); v != nil {
			r, err = nil, fmt.Errorf("normalize panic: %v", v)
		}
	}()
	return o.norm.Normalize(spec.Source, spec.ID, p)
}

func (o *Orchestrator) saveState(ctx context.Context, w *worker, st store.ConnectorState) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CommitTimeout)
	defer cancel()
	if err := o.store.SaveConnectorState(sctx, &st); err != nil {
		o.logger.Warn("scheduler: save connector state",
			"connector_id", w.spec.ID, "status", st.Status, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, out Outcome) {
	out.At = o.now().UTC()
	for _, obs := range o.observers {
		o.observe(context.WithoutCancel(ctx), obs, out)
	}
}

func (o *Orchestrator) observe(ctx context.Context, obs Observer, out Outcome) {
	defer func() {
		if v := recover(); v != nil {
			o.logger.Error("scheduler: observer panic", "connector_id", out.ConnectorID, "panic", fmt.Sprint(v))
		}
	}()
	obs.Observe(ctx, out)
}

// sleepUntil waits until t or ctx end; it reports whether to continue.
func (o *Orchestrator) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(o.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
