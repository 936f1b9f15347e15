// Package forward drip-feeds stored records to a downstream HTTP endpoint,
// one record per tick, as {"data":[record]}.
//
// Progress is a store page token kept in the checkpoints table, advanced
// only after the endpoint accepted (or explicitly rejected) the record.
// Delivery is at-least-once: a crash between POST and checkpoint resends the
// record on restart.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Annotation keys written on forwarded records.
const (
	AnnotationForwardedAt = "forwarded_at"
	AnnotationRejected    = "forward_rejected"
)

// Store is the slice of the store the forwarder needs.
type Store interface {
	Query(ctx context.Context, f store.Filter, pageToken string, limit int) (*store.Page, error)
	Annotate(ctx context.Context, fp, key string, value any) error
	GetCheckpoint(ctx context.Context, name string) (string, error)
	SetCheckpoint(ctx context.Context, name, value string) error
}

// Config configures a forwarder.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"` // default 5s
	Timeout  time.Duration `yaml:"timeout"`  // default 15s
	// Source restricts forwarding to one source tag.
	Source string `yaml:"source"`
	// Checkpoint names the progress row. Default "forward".
	Checkpoint string `yaml:"checkpoint"`
	// BearerToken is sent as Authorization when set.
	BearerToken string `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Checkpoint == "" {
		c.Checkpoint = "forward"
	}
}

// ErrRejected is returned by Step when the endpoint refused the record
// (422). The checkpoint still advances past it.
var ErrRejected = errors.New("forward: record rejected by endpoint")

// Forwarder posts records downstream.
type Forwarder struct {
	cfg    Config
	store  Store
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and returns a forwarder. A nil logger uses slog.Default.
func New(st Store, cfg Config, logger *slog.Logger) (*Forwarder, error) {
	cfg.defaults()
	if err := horosafe.ValidateScheme(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("forward: endpoint: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}, nil
}

// Run forwards one record per interval until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("forward: started", "endpoint", f.cfg.Endpoint, "interval", f.cfg.Interval)
	t := time.NewTicker(f.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forward: stopped")
			return
		case <-t.C:
			sent, err := f.Step(ctx)
			switch {
			case errors.Is(err, ErrRejected):
				f.logger.Warn("forward: record rejected", "error", err)
			case err != nil && ctx.Err() == nil:
				f.logger.Warn("forward: step failed", "error", err)
			case sent:
				f.logger.Debug("forward: record delivered")
			}
		}
	}
}

// Step forwards the next record, if any. It reports whether a record was
// consumed (delivered or rejected).
func (f *Forwarder) Step(ctx context.Context) (bool, error) {
	token, err := f.store.GetCheckpoint(ctx, f.cfg.Checkpoint)
	if err != nil {
		return false, fmt.Errorf("forward: checkpoint: %w", err)
	}
	page, err := f.store.Query(ctx, store.Filter{Source: f.cfg.Source}, token, 1)
	if errors.Is(err, store.ErrBadPageToken) {
		// A corrupt checkpoint restarts from the beginning; dedup downstream
		// absorbs the replay.
		f.logger.Warn("forward: discarding bad checkpoint", "checkpoint", f.cfg.Checkpoint)
		page, err = f.store.Query(ctx, store.Filter{Source: f.cfg.Source}, "", 1)
	}
	if err != nil {
		return false, fmt.Errorf("forward: query: %w", err)
	}
	if len(page.Records) == 0 {
		return false, nil
	}
	r := page.Records[0]

	sendErr := f.post(ctx, r)
	if sendErr != nil && !errors.Is(sendErr, ErrRejected) {
		return false, sendErr
	}

	key, val := AnnotationForwardedAt, any(f.now().UTC().Format(time.RFC3339))
	if sendErr != nil {
		key, val = AnnotationRejected, sendErr.Error()
	}
	if err := f.store.Annotate(ctx, r.Fingerprint, key, val); err != nil && !errors.Is(err, store.ErrAnnotationExists) {
		f.logger.Warn("forward: annotate failed", "fingerprint", r.Fingerprint, "error", err)
	}
	if err := f.store.SetCheckpoint(ctx, f.cfg.Checkpoint, page.NextPageToken); err != nil {
		return true, fmt.Errorf("forward: save checkpoint: %w", err)
	}
	return true, sendErr
}

type envelope struct {
	Data []*store.Record `json:"data"`
}

func (f *Forwarder) post(ctx context.Context, r *store.Record) error {
	body, err := json.Marshal(envelope{Data: []*store.Record{r}})
	if err != nil {
		return fmt.Errorf("forward: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: post: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := horosafe.LimitedReadAll(resp.Body, 4096)
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("forward: http %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}
