// Package synthetic generates transit incident reports for demos and load
// tests. Reports are a pure function of the seed and the sequence number,
// so a replayed cursor produces the same records and dedups.
package synthetic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
)

// Type is the registry name of this connector.
const Type = "synthetic"

var (
	defaultLines    = []string{"Línea 1", "Línea 2", "Línea 3", "Línea 7", "Línea 9", "Línea B", "Línea 12"}
	defaultStations = []string{"Pantitlán", "Hidalgo", "Centro Médico", "Chabacano", "Tacubaya", "Zócalo", "Guerrero", "Bellas Artes"}
	defaultProblems = []string{"smoke", "slow service", "5 min delay", "crowded platform", "emergency braking", "running smoothly"}
)

// Options tunes the generator.
type Options struct {
	// Count is the number of reports per fetch. Default 1.
	Count    int      `yaml:"count"`
	Seed     uint64   `yaml:"seed"`
	Lines    []string `yaml:"lines"`
	Stations []string `yaml:"stations"`
	Problems []string `yaml:"problems"`
}

// Generator is a connector producing synthetic reports.
type Generator struct {
	opts Options
	now  func() time.Time
}

// New returns a generator; empty lists fall back to the built-in vocabulary.
func New(opts Options) *Generator {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if len(opts.Lines) == 0 {
		opts.Lines = defaultLines
	}
	if len(opts.Stations) == 0 {
		opts.Stations = defaultStations
	}
	if len(opts.Problems) == 0 {
		opts.Problems = defaultProblems
	}
	return &Generator{opts: opts, now: time.Now}
}

// Factory builds generators from configuration.
func Factory() connector.Factory {
	return func(spec connector.Spec) (connector.Connector, error) {
		var opts Options
		if err := spec.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(opts), nil
	}
}

// Fetch implements connector.Connector. The cursor is the last sequence
// number emitted.
func (g *Generator) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	var seq uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, &connector.PermanentError{Op: "synthetic", Err: fmt.Errorf("bad cursor %q: %w", cursor, err)}
		}
		seq = n
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	at := g.now().UTC().Truncate(time.Second)
	payloads := make([]connector.RawPayload, 0, g.opts.Count)
	for i := 0; i < g.opts.Count; i++ {
		seq++
		payloads = append(payloads, g.Report(seq, at))
	}
	return &connector.Result{Payloads: payloads, NextCursor: strconv.FormatUint(seq, 10)}, nil
}

// Report builds the report for one sequence number.
func (g *Generator) Report(seq uint64, at time.Time) connector.RawPayload {
	r := rand.New(rand.NewPCG(g.opts.Seed, seq))
	line := g.opts.Lines[r.IntN(len(g.opts.Lines))]
	station := g.opts.Stations[r.IntN(len(g.opts.Stations))]
	problem := g.opts.Problems[r.IntN(len(g.opts.Problems))]
	reporter := fmt.Sprintf("user_%04d", 1000+r.IntN(9000))

	priority := "normal"
	if strings.Contains(problem, "smoke") {
		priority = "high"
	}
	id := "syn-" + strconv.FormatUint(seq, 10)
	return connector.RawPayload{
		NativeID: id,
		Cursor:   strconv.FormatUint(seq, 10),
		Fields: map[string]any{
			"id":         id,
			"title":      fmt.Sprintf("%s at %s: %s", line, station, problem),
			"report":     fmt.Sprintf("Report %s at %s: %s #MetroCDMX", line, station, problem),
			"reporter":   reporter,
			"created_at": at.Format(time.RFC3339),
			"line":       line,
			"station":    station,
			"category":   "transit_incident",
			"priority":   priority,
		},
	}
}
