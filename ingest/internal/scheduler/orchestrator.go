// Package scheduler runs one polling loop per connector.
//
// Each loop walks the state machine idle → fetching → idle | backoff, with
// disabled as the terminal state for permanent failures or too many
// consecutive transient ones. A loop owns its connector's state; the only
// thing loops share is the store, and records plus the cursor that produced
// them are committed in a single transaction.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/governor"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CommitBatch(ctx context.Context, recs []*store.Record, st *store.ConnectorState) (store.BatchResult, error)
	GetConnectorState(ctx context.Context, id string) (*store.ConnectorState, error)
	SaveConnectorState(ctx context.Context, st *store.ConnectorState) error
	PruneConnectorStates(ctx context.Context, keep []string) (int, error)
}

// Normalizer maps raw payloads to records.
type Normalizer interface {
	Normalize(source, connectorID string, p connector.RawPayload) (*store.Record, error)
}

// Config configures the orchestrator.
type Config struct {
	// ShutdownGrace is how long in-flight fetches may run after shutdown
	// starts. Default: 10s.
	ShutdownGrace time.Duration
	// MaxFailures is the number of consecutive transient failures after
	// which a connector is disabled. Default: 10.
	MaxFailures int
	// DefaultPollInterval applies to connectors without one. Default: 5m.
	DefaultPollInterval time.Duration
	// FetchTimeout bounds a single Fetch call. Default: 2m.
	FetchTimeout time.Duration
	// CommitTimeout bounds a batch commit. Default: 30s.
	CommitTimeout time.Duration
	// PoolSize is the initial worker pool size; it grows with connectors.
	// Default: 16.
	PoolSize int
}

func (c *Config) defaults() {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = 5 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
}

// ConnectorSpec is the scheduling configuration of one connector instance.
type ConnectorSpec struct {
	ID           string
	Source       string
	PollInterval time.Duration
	// MaxFailures overrides Config.MaxFailures when positive.
	MaxFailures int
	Limits      governor.Limits
}

type worker struct {
	spec ConnectorSpec
	conn connector.Connector

	mu    sync.Mutex
	state store.ConnectorState

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) snapshot() store.ConnectorState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(st store.ConnectorState) {
	w.mu.Lock()
	w.state = st
	w.mu.Unlock()
}

// Orchestrator schedules connectors. Create with New, register connectors
// with Add, then Start.
type Orchestrator struct {
	store     Store
	gov       *governor.Governor
	norm      Normalizer
	cfg       Config
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	pool    *ants.Pool
	runCtx  context.Context
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver adds an outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// New creates an Orchestrator.
func New(st Store, gov *governor.Governor, norm Normalizer, cfg Config, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		store:   st,
		gov:     gov,
		norm:    norm,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Add registers a connector. After Start, its loop starts immediately.
func (o *Orchestrator) Add(spec ConnectorSpec, conn connector.Connector) error {
	if spec.ID == "" {
		return errors.New("scheduler: connector id is required")
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = o.cfg.DefaultPollInterval
	}
	if spec.MaxFailures <= 0 {
		spec.MaxFailures = o.cfg.MaxFailures
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workers[spec.ID]; exists {
		return fmt.Errorf("scheduler: connector %s already registered", spec.ID)
	}
	o.gov.Register(spec.ID, spec.Limits)
	w := &worker{
		spec:  spec,
		conn:  conn,
		state: store.ConnectorState{ConnectorID: spec.ID, Status: store.StatusIdle},
		done:  make(chan struct{}),
	}
	o.workers[spec.ID] = w
	if o.runCtx != nil {
		return o.launch(w)
	}
	return nil
}

// Remove stops a connector's loop and forgets it. Its persisted state is
// kept until the next Start prunes it.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	w, ok := o.workers[id]
	if ok {
		delete(o.workers, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: connector %s not registered", id)
	}
	if w.cancel != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.gov.Forget(id)
	return nil
}

// Start prunes state of connectors no longer configured and launches one
// loop per connector. Loops stop when ctx is cancelled; use Wait to block
// until they have.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return errors.New("scheduler: already started")
	}

	keep := make([]string, 0, len(o.workers))
	for id := range o.workers {
		keep = append(keep, id)
	}
	if n, err := o.store.PruneConnectorStates(ctx, keep); err != nil {
		o.logger.Warn("scheduler: prune connector states", "error", err)
	} else if n > 0 {
		o.logger.Info("scheduler: pruned removed connectors", "count", n)
	}

	pool, err := ants.NewPool(max(o.cfg.PoolSize, len(o.workers)),
		ants.WithPanicHandler(func(v any) {
			o.logger.Error("scheduler: worker panic", "panic", fmt.Sprint(v))
		}))
	if err != nil {
		return fmt.Errorf("scheduler: worker pool: %w", err)
	}
	o.pool = pool
	o.runCtx = ctx

	for _, id := range sortedKeys(o.workers) {
		if err := o.launch(o.workers[id]); err != nil {
			return err
		}
	}
	o.logger.Info("scheduler: started", "connectors", len(o.workers))
	return nil
}

// launch submits w's loop to the pool. Caller holds o.mu.
func (o *Orchestrator) launch(w *worker) error {
	if o.pool.Running() >= o.pool.Cap() {
		o.pool.Tune(o.pool.Cap() * 2)
	}
	wctx, cancel := context.WithCancel(o.runCtx)
	w.cancel = cancel
	o.wg.Add(1)
	err := o.pool.Submit(func() {
		defer o.wg.Done()
		defer close(w.done)
		o.loop(wctx, w)
	})
	if err != nil {
		o.wg.Done()
		cancel()
		return fmt.Errorf("scheduler: launch %s: %w", w.spec.ID, err)
	}
	return nil
}

// Wait blocks until every loop has returned, then releases the pool.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pool != nil {
		o.pool.Release()
	}
}

// Snapshot returns the current state of every connector, ordered by id.
func (o *Orchestrator) Snapshot() []store.ConnectorState {
	o.mu.Lock()
	ws := make([]*worker, 0, len(o.workers))
	for _, id := range sortedKeys(o.workers) {
		ws = append(ws, o.workers[id])
	}
	o.mu.Unlock()

	out := make([]store.ConnectorState, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.snapshot())
	}
	return out
}

func sortedKeys(m map[string]*worker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
