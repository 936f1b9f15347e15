package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ingestd/dbopen"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

type sink struct {
	mu       sync.Mutex
	received []string
	status   func(fp string) int
}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Data []store.Record `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil || len(env.Data) != 1 {
			t.Errorf("bad envelope: %v (%d records)", err, len(env.Data))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fp := env.Data[0].Fingerprint
		code := http.StatusCreated
		if s.status != nil {
			code = s.status(fp)
		}
		if code < 300 {
			s.mu.Lock()
			s.received = append(s.received, fp)
			s.mu.Unlock()
		}
		w.WriteHeader(code)
	}
}

func newStore(t *testing.T, n int) *store.Store {
	t.Helper()
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		r := &store.Record{Fingerprint: fmt.Sprintf("fp%d", i), Source: "synthetic", ConnectorID: "syn", Text: "x"}
		if _, err := s.Upsert(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestStep_DeliversInOrder(t *testing.T) {
	// WHAT: Each step posts the next record once and annotates it.
	// WHY: Downstream expects a drip of records in ingestion order.
	s := newStore(t, 3)
	sk := &sink{}
	srv := httptest.NewServer(sk.handler(t))
	defer srv.Close()

	f, err := New(s, Config{Endpoint: srv.URL}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sent, err := f.Step(ctx)
		if err != nil || !sent {
			t.Fatalf("step %d: sent=%v err=%v", i, sent, err)
		}
	}
	if sent, err := f.Step(ctx); sent || err != nil {
		t.Errorf("drained forwarder: sent=%v err=%v", sent, err)
	}
	if got := fmt.Sprint(sk.got()); got != "[fp0 fp1 fp2]" {
		t.Errorf("received: %v", got)
	}
	r, _ := s.Get(ctx, "fp1")
	if _, ok := r.Annotations[AnnotationForwardedAt]; !ok {
		t.Errorf("forwarded_at missing: %v", r.Annotations)
	}

	// New records after draining are picked up from the checkpoint.
	s.Upsert(ctx, &store.Record{Fingerprint: "fp9", Source: "synthetic", ConnectorID: "syn", Text: "x"})
	if sent, err := f.Step(ctx); !sent || err != nil {
		t.Fatalf("tail step: sent=%v err=%v", sent, err)
	}
	if got := sk.got(); got[len(got)-1] != "fp9" {
		t.Errorf("tail record: %v", got)
	}
}

func TestStep_FailureDoesNotAdvance(t *testing.T) {
	// WHAT: A 503 leaves the checkpoint in place so the record is resent.
	// WHY: Delivery is at-least-once.
	s := newStore(t, 2)
	var failing atomic.Bool
	failing.Store(true)
	sk := &sink{status: func(string) int {
		if failing.Load() {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(sk.handler(t))
	defer srv.Close()

	f, _ := New(s, Config{Endpoint: srv.URL}, quiet())
	ctx := context.Background()
	if sent, err := f.Step(ctx); sent || err == nil {
		t.Fatalf("expected failure, sent=%v err=%v", sent, err)
	}
	failing.Store(false)
	f.Step(ctx)
	if got := sk.got(); len(got) != 1 || got[0] != "fp0" {
		t.Errorf("expected fp0 resent, got %v", got)
	}
}

func TestStep_RejectionSkips(t *testing.T) {
	// WHAT: A 422 marks the record rejected and moves on.
	// WHY: A record the endpoint will never accept must not block the drip.
	s := newStore(t, 2)
	sk := &sink{status: func(fp string) int {
		if fp == "fp0" {
			return http.StatusUnprocessableEntity
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(sk.handler(t))
	defer srv.Close()

	f, _ := New(s, Config{Endpoint: srv.URL}, quiet())
	ctx := context.Background()
	sent, err := f.Step(ctx)
	if !sent || !errors.Is(err, ErrRejected) {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
	r, _ := s.Get(ctx, "fp0")
	if _, ok := r.Annotations[AnnotationRejected]; !ok {
		t.Errorf("rejection not annotated: %v", r.Annotations)
	}
	if _, err := f.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sk.got(); len(got) != 1 || got[0] != "fp1" {
		t.Errorf("received: %v", got)
	}
}

func TestStep_BadCheckpointRestarts(t *testing.T) {
	s := newStore(t, 1)
	sk := &sink{}
	srv := httptest.NewServer(sk.handler(t))
	defer srv.Close()

	ctx := context.Background()
	s.SetCheckpoint(ctx, "forward", "garbage!")
	f, _ := New(s, Config{Endpoint: srv.URL}, quiet())
	if sent, err := f.Step(ctx); !sent || err != nil {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	// WHAT: Run drains records on its ticker and returns on cancel.
	s := newStore(t, 2)
	sk := &sink{}
	srv := httptest.NewServer(sk.handler(t))
	defer srv.Close()

	f, _ := New(s, Config{Endpoint: srv.URL, Interval: 5 * time.Millisecond}, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sk.got()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := sk.got(); len(got) != 2 {
		t.Errorf("received %v", got)
	}
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	if _, err := New(nil, Config{Endpoint: "ftp://x"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
