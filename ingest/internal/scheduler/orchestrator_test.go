package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ingestd/dbopen"
	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/governor"
	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

type fakeConn struct {
	mu      sync.Mutex
	cursors []string
	fn      func(ctx context.Context, call int, cursor string) (*connector.Result, error)
}

func (f *fakeConn) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	call := len(f.cursors)
	f.mu.Unlock()
	return f.fn(ctx, call, cursor)
}

func (f *fakeConn) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

type harness struct {
	store    *store.Store
	orch     *Orchestrator
	outcomes chan Outcome
}

func newHarness(t *testing.T, st Store, cfg Config) *harness {
	t.Helper()
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		st = s
	}
	h := &harness{store: s, outcomes: make(chan Outcome, 64)}
	h.orch = New(st, governor.New(), normalize.New(), cfg,
		WithObserver(ObserverFunc(func(_ context.Context, out Outcome) { h.outcomes <- out })),
		WithObserver(FetchLogObserver(s, nil)),
	)
	return h
}

func (h *harness) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-h.outcomes:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func fastLimits() governor.Limits {
	return governor.Limits{Capacity: 100, Refill: time.Millisecond, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func payload(id, text string) connector.RawPayload {
	return connector.RawPayload{NativeID: id, Fields: map[string]any{"text": text}, Cursor: id}
}

func TestScenario_MalformedDroppedCursorAdvanced(t *testing.T) {
	// WHAT: 3 payloads with 1 malformed store 2 records, count 1 drop, and
	// advance the cursor to nextCursor.
	// WHY: Documented end-to-end scenario for a single fetch turn.
	h := newHarness(t, nil, Config{})
	conn := &fakeConn{fn: func(_ context.Context, call int, cursor string) (*connector.Result, error) {
		if call > 1 {
			return &connector.Result{NextCursor: cursor}, nil
		}
		return &connector.Result{
			Payloads:   []connector.RawPayload{payload("1", "one"), {}, payload("3", "three")},
			NextCursor: "cursor-after-3",
		}, nil
	}}
	if err := h.orch.Add(ConnectorSpec{ID: "A", Source: "misc", PollInterval: time.Hour,
		Limits: governor.Limits{Capacity: 1, Refill: time.Minute}}, conn); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	out := h.next(t)
	cancel()
	h.orch.Wait()

	if out.Status != OutcomeOK || out.Fetched != 3 || out.Inserted != 2 || out.Dropped != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if calls := conn.calls(); len(calls) != 1 || calls[0] != "" {
		t.Errorf("first fetch should use the empty cursor: %v", calls)
	}
	st, err := h.store.GetConnectorState(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastCursor != "cursor-after-3" || st.Status != store.StatusIdle || st.LastSuccessAt == nil {
		t.Errorf("state: %+v", st)
	}
	page, _ := h.store.Query(context.Background(), store.Filter{ConnectorID: "A"}, "", 10)
	if len(page.Records) != 2 {
		t.Errorf("records stored: %d", len(page.Records))
	}
	hist, _ := h.store.FetchHistory(context.Background(), "A", 10)
	if len(hist) != 1 || hist[0].Dropped != 1 {
		t.Errorf("fetch log: %+v", hist)
	}
}

func TestTransient_BackoffThenRecover(t *testing.T) {
	// WHAT: Transient errors put the connector in backoff, success resets failures.
	// WHY: Flaky sources must recover without operator action.
	h := newHarness(t, nil, Config{})
	conn := &fakeConn{fn: func(_ context.Context, call int, _ string) (*connector.Result, error) {
		if call <= 2 {
			return nil, &connector.TransientError{Op: "test", StatusCode: 503, Err: errors.New("unavailable")}
		}
		return &connector.Result{Payloads: []connector.RawPayload{payload("x", "x")}, NextCursor: "c"}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "flaky", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.Start(ctx)

	o1, o2, o3 := h.next(t), h.next(t), h.next(t)
	if o1.Status != OutcomeTransient || o1.State != store.StatusBackoff {
		t.Errorf("first: %+v", o1)
	}
	if o2.Status != OutcomeTransient {
		t.Errorf("second: %+v", o2)
	}
	if o3.Status != OutcomeOK || o3.Inserted != 1 {
		t.Errorf("third: %+v", o3)
	}

	snap := h.orch.Snapshot()
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 0 || snap[0].Status != store.StatusIdle {
		t.Errorf("snapshot: %+v", snap)
	}
	cancel()
	h.orch.Wait()
}

func TestPermanent_DisablesImmediately(t *testing.T) {
	h := newHarness(t, nil, Config{})
	conn := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return nil, &connector.PermanentError{Op: "test", StatusCode: 401, Err: errors.New("bad token")}
	}}
	h.orch.Add(ConnectorSpec{ID: "p", Source: "misc", PollInterval: time.Millisecond, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	out := h.next(t)
	time.Sleep(30 * time.Millisecond)
	cancel()
	h.orch.Wait()

	if out.Status != OutcomePermanent || out.State != store.StatusDisabled {
		t.Fatalf("outcome: %+v", out)
	}
	if n := len(conn.calls()); n != 1 {
		t.Errorf("disabled connector fetched %d times", n)
	}
	st, _ := h.store.GetConnectorState(context.Background(), "p")
	if st.Status != store.StatusDisabled || st.LastError == "" {
		t.Errorf("persisted: %+v", st)
	}
}

func TestMaxFailures_Disables(t *testing.T) {
	// WHAT: MaxFailures consecutive transient errors disable the connector.
	// WHY: A source that never recovers must stop consuming quota.
	h := newHarness(t, nil, Config{})
	conn := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return nil, &connector.TransientError{Op: "test", Err: errors.New("timeout")}
	}}
	h.orch.Add(ConnectorSpec{ID: "t", Source: "misc", PollInterval: time.Millisecond,
		MaxFailures: 3, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	var last Outcome
	for i := 0; i < 3; i++ {
		last = h.next(t)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	h.orch.Wait()

	if last.State != store.StatusDisabled {
		t.Fatalf("third outcome state: %+v", last)
	}
	if n := len(conn.calls()); n != 3 {
		t.Errorf("fetch calls: %d, want 3", n)
	}
}

func TestIsolation_FailingConnectorDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t, nil, Config{})
	bad := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		panic("connector bug")
	}}
	good := &fakeConn{fn: func(_ context.Context, call int, _ string) (*connector.Result, error) {
		return &connector.Result{Payloads: []connector.RawPayload{payload("g", "good")}, NextCursor: "g"}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "bad", Source: "misc", PollInterval: time.Hour, MaxFailures: 1, Limits: fastLimits()}, bad)
	h.orch.Add(ConnectorSpec{ID: "good", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, good)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	got := map[string]Outcome{}
	for i := 0; i < 2; i++ {
		out := h.next(t)
		got[out.ConnectorID] = out
	}
	cancel()
	h.orch.Wait()

	if got["bad"].Status != OutcomeTransient || got["bad"].State != store.StatusDisabled {
		t.Errorf("bad: %+v", got["bad"])
	}
	if got["good"].Status != OutcomeOK || got["good"].Inserted != 1 {
		t.Errorf("good: %+v", got["good"])
	}
}

type flakyStore struct {
	*store.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) CommitBatch(ctx context.Context, recs []*store.Record, st *store.ConnectorState) (store.BatchResult, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return store.BatchResult{}, &store.StoreError{Op: "commit batch", Err: errors.New("disk full")}
	}
	return f.Store.CommitBatch(ctx, recs, st)
}

func TestStoreError_CursorNotAdvanced(t *testing.T) {
	// WHAT: A failed commit keeps the old cursor and the batch is refetched.
	// WHY: No partial commit, no skipped records.
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	fs := &flakyStore{Store: s, fails: 1}
	h := newHarness(t, fs, Config{})
	h.store = s

	conn := &fakeConn{fn: func(_ context.Context, _ int, cursor string) (*connector.Result, error) {
		if cursor == "" {
			return &connector.Result{Payloads: []connector.RawPayload{payload("1", "one")}, NextCursor: "c1"}, nil
		}
		return &connector.Result{NextCursor: cursor}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "s", Source: "misc", PollInterval: 10 * time.Millisecond, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	o1, o2 := h.next(t), h.next(t)
	cancel()
	h.orch.Wait()

	if o1.Status != OutcomeStoreError || o1.State != store.StatusIdle {
		t.Errorf("first: %+v", o1)
	}
	if o2.Status != OutcomeOK || o2.Inserted != 1 {
		t.Errorf("second: %+v", o2)
	}
	calls := conn.calls()
	if len(calls) < 2 || calls[0] != "" || calls[1] != "" {
		t.Errorf("cursor advanced despite store error: %v", calls)
	}
	st, _ := s.GetConnectorState(context.Background(), "s")
	if st.LastCursor != "c1" || st.ConsecutiveFailures != 0 {
		t.Errorf("final state: %+v", st)
	}
}

func TestShutdown_InFlightFetchCommits(t *testing.T) {
	// WHAT: A fetch in flight when shutdown starts finishes within the grace
	// period and its batch is committed.
	// WHY: Graceful shutdown must not throw away fetched work.
	h := newHarness(t, nil, Config{ShutdownGrace: 2 * time.Second})
	started := make(chan struct{})
	release := make(chan struct{})
	conn := &fakeConn{fn: func(ctx context.Context, call int, _ string) (*connector.Result, error) {
		if call > 1 {
			return &connector.Result{}, nil
		}
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &connector.Result{Payloads: []connector.RawPayload{payload("late", "late")}, NextCursor: "after-late"}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "sd", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	h.orch.Wait()

	st, err := h.store.GetConnectorState(context.Background(), "sd")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastCursor != "after-late" {
		t.Errorf("cursor: %q", st.LastCursor)
	}
	if seen, _ := h.store.Seen(context.Background(), mustFP(t, "misc", "late")); !seen {
		t.Error("in-flight batch was not committed")
	}
}

func TestShutdown_GraceExpiresWithoutFailure(t *testing.T) {
	h := newHarness(t, nil, Config{ShutdownGrace: 20 * time.Millisecond})
	started := make(chan struct{})
	conn := &fakeConn{fn: func(ctx context.Context, _ int, _ string) (*connector.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &connector.TransientError{Op: "test", Err: ctx.Err()}
	}}
	h.orch.Add(ConnectorSpec{ID: "g", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	<-started
	cancel()

	done := make(chan struct{})
	go func() { h.orch.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after grace period")
	}

	st, _ := h.store.GetConnectorState(context.Background(), "g")
	if st.Status != store.StatusIdle || st.ConsecutiveFailures != 0 {
		t.Errorf("shutdown cut counted as failure: %+v", st)
	}
}

func TestStart_RestoresAndPrunesState(t *testing.T) {
	// WHAT: Persisted cursors resume, disabled stays disabled, removed
	// connectors lose their state.
	// WHY: Restarts must continue where the last run committed.
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	h.store.SaveConnectorState(ctx, &store.ConnectorState{ConnectorID: "resume", LastCursor: "c9", Status: store.StatusFetching})
	h.store.SaveConnectorState(ctx, &store.ConnectorState{ConnectorID: "off", Status: store.StatusDisabled, LastError: "401"})
	h.store.SaveConnectorState(ctx, &store.ConnectorState{ConnectorID: "gone", LastCursor: "x"})

	resume := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return &connector.Result{}, nil
	}}
	off := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return &connector.Result{}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "resume", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, resume)
	h.orch.Add(ConnectorSpec{ID: "off", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, off)

	rctx, cancel := context.WithCancel(ctx)
	h.orch.Start(rctx)
	out := h.next(t)
	time.Sleep(20 * time.Millisecond)
	cancel()
	h.orch.Wait()

	if out.ConnectorID != "resume" {
		t.Fatalf("unexpected outcome from %s", out.ConnectorID)
	}
	if calls := resume.calls(); len(calls) != 1 || calls[0] != "c9" {
		t.Errorf("resume cursor: %v", calls)
	}
	st, _ := h.store.GetConnectorState(ctx, "resume")
	if st.LastCursor != "c9" {
		t.Errorf("empty nextCursor should keep the cursor: %q", st.LastCursor)
	}
	if n := len(off.calls()); n != 0 {
		t.Errorf("disabled connector fetched %d times", n)
	}
	if _, err := h.store.GetConnectorState(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removed connector state not pruned: %v", err)
	}
}

func TestRateLimitHintDelaysNextRun(t *testing.T) {
	h := newHarness(t, nil, Config{})
	conn := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return &connector.Result{Hint: connector.RateHint{RetryAfter: time.Hour}}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "h", Source: "misc", PollInterval: time.Millisecond, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	h.next(t)
	time.Sleep(50 * time.Millisecond)
	cancel()
	h.orch.Wait()

	if n := len(conn.calls()); n != 1 {
		t.Errorf("hint ignored: %d fetches", n)
	}
}

func TestAddAfterStartAndRemove(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}

	conn := &fakeConn{fn: func(context.Context, int, string) (*connector.Result, error) {
		return &connector.Result{}, nil
	}}
	if err := h.orch.Add(ConnectorSpec{ID: "late", Source: "misc", PollInterval: time.Hour, Limits: fastLimits()}, conn); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Add(ConnectorSpec{ID: "late"}, conn); err == nil {
		t.Error("duplicate id accepted")
	}
	h.next(t)

	if err := h.orch.Remove(ctx, "late"); err != nil {
		t.Fatal(err)
	}
	if len(h.orch.Snapshot()) != 0 {
		t.Error("removed connector still in snapshot")
	}
	cancel()
	h.orch.Wait()
}

func mustFP(t *testing.T, source, id string) string {
	t.Helper()
	fp, err := normalize.Fingerprint(source, id, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

type panickyStore struct {
	*store.Store
	panics atomic.Int32
}

func (p *panickyStore) CommitBatch(ctx context.Context, recs []*store.Record, st *store.ConnectorState) (store.BatchResult, error) {
	if p.panics.Add(-1) >= 0 {
		panic("driver bug")
	}
	return p.Store.CommitBatch(ctx, recs, st)
}

func TestPanicInTurn_BacksOffAndRecovers(t *testing.T) {
	// WHAT: A panic outside Fetch is a transient failure; the loop backs off and retries.
	// WHY: A dead loop would leave the connector stuck in fetching with /health still ok.
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	ps := &panickyStore{Store: s}
	ps.panics.Store(1)
	h := newHarness(t, ps, Config{})
	h.store = s

	conn := &fakeConn{fn: func(_ context.Context, _ int, cursor string) (*connector.Result, error) {
		if cursor == "" {
			return &connector.Result{Payloads: []connector.RawPayload{payload("1", "one")}, NextCursor: "c1"}, nil
		}
		return &connector.Result{NextCursor: cursor}, nil
	}}
	h.orch.Add(ConnectorSpec{ID: "x", Source: "misc", PollInterval: 10 * time.Millisecond, Limits: fastLimits()}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	o1, o2 := h.next(t), h.next(t)
	cancel()
	h.orch.Wait()

	if o1.Status != OutcomeTransient || o1.State != store.StatusBackoff {
		t.Errorf("first: %+v", o1)
	}
	if o2.Status != OutcomeOK || o2.Inserted != 1 {
		t.Errorf("second: %+v", o2)
	}
	st, _ := s.GetConnectorState(context.Background(), "x")
	if st.Status == store.StatusFetching || st.LastCursor != "c1" {
		t.Errorf("final state: %+v", st)
	}
}

type panicOnNormalize struct{ *normalize.Normalizer }

func (n panicOnNormalize) Normalize(source, connectorID string, p connector.RawPayload) (*store.Record, error) {
	if p.NativeID == "boom" {
		panic("converter bug")
	}
	return n.Normalizer.Normalize(source, connectorID, p)
}

func TestNormalizeAndObserverPanics_Contained(t *testing.T) {
	// WHAT: A payload whose normalization panics is dropped; a panicking
	// observer does not stop the others.
	// WHY: Third-party HTML conversion must not take a whole batch down.
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	outcomes := make(chan Outcome, 8)
	orch := New(s, governor.New(), panicOnNormalize{normalize.New()}, Config{},
		WithObserver(ObserverFunc(func(context.Context, Outcome) { panic("observer bug") })),
		WithObserver(ObserverFunc(func(_ context.Context, out Outcome) { outcomes <- out })),
	)
	conn := &fakeConn{fn: func(_ context.Context, call int, cursor string) (*connector.Result, error) {
		if call > 1 {
			return &connector.Result{NextCursor: cursor}, nil
		}
		return &connector.Result{
			Payloads:   []connector.RawPayload{payload("1", "one"), payload("boom", "two"), payload("3", "three")},
			NextCursor: "c3",
		}, nil
	}}
	orch.Add(ConnectorSpec{ID: "n", Source: "misc", PollInterval: time.Hour,
		Limits: governor.Limits{Capacity: 1, Refill: time.Minute}}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	var out Outcome
	select {
	case out = <-outcomes:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	cancel()
	orch.Wait()

	if out.Status != OutcomeOK || out.Inserted != 2 || out.Dropped != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	st, _ := s.GetConnectorState(context.Background(), "n")
	if st.Status != store.StatusIdle || st.LastCursor != "c3" {
		t.Errorf("state: %+v", st)
	}
}
