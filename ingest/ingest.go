package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hazyhaar/ingestd/dbopen"
	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/buffer"
	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/feed"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/jsonapi"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/reddit"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/synthetic"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/weather"
	"github.com/hazyhaar/ingestd/ingest/internal/connector/web"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
	"github.com/hazyhaar/ingestd/ingest/internal/forward"
	"github.com/hazyhaar/ingestd/ingest/internal/governor"
	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
	"github.com/hazyhaar/ingestd/ingest/internal/scheduler"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Service owns the store, the orchestrator and the optional forwarder.
type Service struct {
	cfg    *Config
	db     *sql.DB
	ownsDB bool
	store  *store.Store
	orch   *scheduler.Orchestrator
	fwd    *forward.Forwarder
	logger *slog.Logger

	fwdWG sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	db *sql.DB
}

// WithDB uses an already opened database instead of opening cfg.DBPath.
// The caller keeps ownership of db.
func WithDB(db *sql.DB) ServiceOption {
	return func(o *serviceOptions) { o.db = db }
}

// New opens the store and builds every configured connector. Nothing polls
// until Start is called. A nil logger uses slog.Default.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	svc := &Service{cfg: cfg, logger: logger}
	if o.db != nil {
		svc.db = o.db
	} else {
		db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("ingest: open db: %w", err)
		}
		svc.db, svc.ownsDB = db, true
	}

	st, err := store.New(svc.db, store.WithLogger(logger))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.store = st

	norm := normalize.New()
	svc.orch = scheduler.New(st, governor.New(), norm, scheduler.Config{
		ShutdownGrace:       cfg.Scheduler.ShutdownGrace,
		MaxFailures:         cfg.Scheduler.MaxFailures,
		DefaultPollInterval: cfg.Scheduler.PollInterval,
		FetchTimeout:        cfg.Scheduler.FetchTimeout,
		CommitTimeout:       cfg.Scheduler.CommitTimeout,
		PoolSize:            cfg.Scheduler.PoolSize,
	},
		scheduler.WithLogger(logger),
		scheduler.WithObserver(scheduler.LogObserver(logger)),
		scheduler.WithObserver(scheduler.FetchLogObserver(st, logger)),
	)

	reg := newRegistry(cfg)
	for _, cc := range cfg.Connectors {
		conn, err := reg.Build(connectorSpec(cc))
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if cc.Mapping != nil {
			norm.SetMapping(cc.Source, *cc.Mapping)
		}
		if err := svc.orch.Add(scheduleSpec(cc), conn); err != nil {
			svc.Close()
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}

	if fc := cfg.Forward; fc != nil && fc.Endpoint != "" {
		fcfg := forward.Config{
			Endpoint: fc.Endpoint,
			Interval: fc.Interval,
			Timeout:  fc.Timeout,
			Source:   fc.Source,
		}
		if fc.TokenRef != "" {
			fcfg.BearerToken = os.Getenv(fc.TokenRef)
		}
		fwd, err := forward.New(st, fcfg, logger)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("ingest: %w", err)
		}
		svc.fwd = fwd
	}
	return svc, nil
}

// newRegistry registers every built-in connector type against one shared
// fetcher.
func newRegistry(cfg *Config) *connector.Registry {
	validate := horosafe.ValidateURL
	if cfg.AllowPrivateHosts {
		validate = horosafe.ValidateScheme
	}
	f := fetch.New(fetch.Config{
		MaxBytes:     cfg.FetchMaxBytes,
		UserAgent:    cfg.UserAgent,
		URLValidator: validate,
	})
	reg := connector.NewRegistry()
	reg.Register(feed.Type, feed.Factory(f))
	reg.Register(jsonapi.Type, jsonapi.Factory(f))
	reg.Register(reddit.Type, reddit.Factory(f))
	reg.Register(weather.Type, weather.Factory(f))
	reg.Register(web.Type, web.Factory(f))
	reg.Register(synthetic.Type, synthetic.Factory())
	return reg
}

func connectorSpec(cc ConnectorConfig) connector.Spec {
	spec := connector.Spec{ID: cc.ID, Type: cc.Type, Source: cc.Source}
	if cc.CredentialsRef != "" {
		spec.Credential = os.Getenv(cc.CredentialsRef)
	}
	if cc.Options.Kind != 0 {
		node := cc.Options
		spec.Decode = func(v any) error { return node.Decode(v) }
	}
	return spec
}

func scheduleSpec(cc ConnectorConfig) scheduler.ConnectorSpec {
	return scheduler.ConnectorSpec{
		ID:           cc.ID,
		Source:       cc.Source,
		PollInterval: cc.PollInterval,
		MaxFailures:  cc.MaxFailures,
		Limits: governor.Limits{
			Capacity:    cc.Rate.Burst,
			Refill:      cc.Rate.Every,
			BaseBackoff: cc.Rate.BaseBackoff,
			MaxBackoff:  cc.Rate.MaxBackoff,
			Jitter:      cc.Rate.Jitter,
		},
	}
}

// CheckConfig builds every configured connector without opening the store,
// so option errors surface before a deploy.
func CheckConfig(cfg *Config) error {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg := newRegistry(cfg)
	var errs []error
	for _, cc := range cfg.Connectors {
		if _, err := reg.Build(connectorSpec(cc)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("ingest: invalid config: %w", err)
	}
	return nil
}

// ConnectorTypes lists the connector types a config may name.
func ConnectorTypes() []string {
	return newRegistry(&Config{}).Types()
}

// Start launches connector loops and the forwarder. They stop when ctx is
// cancelled; call Wait to block until they have.
func (s *Service) Start(ctx context.Context) error {
	if err := s.orch.Start(ctx); err != nil {
		return err
	}
	if s.fwd != nil {
		s.fwdWG.Add(1)
		go func() {
			defer s.fwdWG.Done()
			s.fwd.Run(ctx)
		}()
	}
	return nil
}

// Wait blocks until every loop started by Start has returned.
func (s *Service) Wait() {
	s.orch.Wait()
	s.fwdWG.Wait()
}

// Close releases the database if the Service opened it.
func (s *Service) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.cfg }

// Query returns one page of records. A zero limit means the default page
// size; larger limits are clamped to MaxPageSize.
func (s *Service) Query(ctx context.Context, f Filter, pageToken string, limit int) (*Page, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	if limit == 0 {
		limit = store.DefaultPageSize
	}
	limit = min(limit, s.cfg.MaxPageSize)
	if f.Since != nil && f.Until != nil && !f.Since.Before(*f.Until) {
		return nil, fmt.Errorf("%w: since must be before until", ErrInvalidInput)
	}
	page, err := s.store.Query(ctx, f, pageToken, limit)
	if err != nil {
		return nil, classify(err)
	}
	return page, nil
}

// Get returns one record by fingerprint.
func (s *Service) Get(ctx context.Context, fingerprint string) (*Record, error) {
	r, err := s.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, classify(err)
	}
	return r, nil
}

// Search runs a full-text query over titles and texts.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]*SearchResult, error) {
	if q == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	res, err := s.store.Search(ctx, q, min(limit, s.cfg.MaxPageSize))
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// Stats returns corpus counters.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}

// History returns a connector's most recent fetch outcomes, newest first.
func (s *Service) History(ctx context.Context, connectorID string, limit int) ([]*FetchLogEntry, error) {
	entries, err := s.store.FetchHistory(ctx, connectorID, min(limit, s.cfg.MaxPageSize))
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// Connectors returns the live state of every configured connector.
func (s *Service) Connectors() []ConnectorState {
	return s.orch.Snapshot()
}

// Health reports store reachability and connector states. Status is
// "degraded" when any connector is disabled.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	h := &Health{Status: "ok", Connectors: s.Connectors()}
	for _, c := range h.Connectors {
		if c.Status == store.StatusDisabled {
			h.Status = "degraded"
			break
		}
	}
	return h, nil
}

// EnableConnector clears a disabled connector's failures and backoff in
// the store. A running orchestrator keeps its in-memory state, so the
// change takes effect at the next start.
func (s *Service) EnableConnector(ctx context.Context, id string) error {
	err := s.store.ResetConnectorState(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownConnector, id)
	}
	if err != nil {
		return classify(err)
	}
	s.logger.Info("ingest: connector re-enabled", "connector_id", id)
	return nil
}

// ConnectorStates lists the persisted state of every known connector.
func (s *Service) ConnectorStates(ctx context.Context) ([]*ConnectorState, error) {
	states, err := s.store.ListConnectorStates(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return states, nil
}

// ExportMarkdown writes one .md file per matching record into dir.
func (s *Service) ExportMarkdown(ctx context.Context, f Filter, dir string) (int, error) {
	return buffer.ExportMarkdown(ctx, s.store, f, dir)
}

// ExportJSON streams matching records to w as JSON lines.
func (s *Service) ExportJSON(ctx context.Context, f Filter, w io.Writer) (int, error) {
	return buffer.ExportJSON(ctx, s.store, f, w)
}

// classify maps store errors onto the package sentinels.
func classify(err error) error {
	var se *store.StoreError
	switch {
	case errors.Is(err, store.ErrBadPageToken):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, store.ErrNotFound):
		return err
	case errors.As(err, &se):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
