// Package connector defines the capability every source plug-in implements
// and the error taxonomy the orchestrator schedules around.
//
// A connector is stateless apart from the cursor it is handed: the
// orchestrator owns the cursor, persists it together with the records it
// produced, and passes it back on the next call. Calling Fetch twice with the
// same cursor must be harmless (delivery downstream is at-least-once).
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Connector fetches one batch of raw payloads from an external source.
//
// An empty cursor means "start from the source's default recency window".
// Errors should be *TransientError or *PermanentError; anything else is
// treated as transient.
type Connector interface {
	Fetch(ctx context.Context, cursor string) (*Result, error)
}

// Func adapts a plain function to the Connector interface.
type Func func(ctx context.Context, cursor string) (*Result, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, cursor string) (*Result, error) { return f(ctx, cursor) }

// RawPayload is one source-native item, before normalization.
type RawPayload struct {
	// NativeID is the source's own identifier, if it has one.
	NativeID string `json:"native_id,omitempty"`
	// Fields is the source-native JSON object.
	Fields map[string]any `json:"fields,omitempty"`
	// HTML is a raw page body (web sources).
	HTML []byte `json:"-"`
	// URL is where the payload was fetched from, when meaningful.
	URL string `json:"url,omitempty"`
	// Cursor is the position marker to resume after this payload.
	Cursor string `json:"cursor,omitempty"`
}

// RateHint carries source-suggested pacing.
type RateHint struct {
	// RetryAfter is the minimum delay before the next call.
	RetryAfter time.Duration
}

// Result is what one Fetch call returns. Payloads are ordered as the source
// delivered them; the orchestrator stores them in that order.
type Result struct {
	Payloads   []RawPayload
	NextCursor string
	Hint       RateHint
}

// Spec describes one configured connector instance for a Factory.
type Spec struct {
	ID     string
	Type   string
	Source string
	// Credential is the resolved secret named by the instance's
	// credentials reference. Empty when none is configured.
	Credential string
	// Decode unmarshals the instance's type-specific options into v.
	Decode func(v any) error
}

// DecodeOptions decodes the spec's options into v; a nil Decode leaves v untouched.
func (s Spec) DecodeOptions(v any) error {
	if s.Decode == nil {
		return nil
	}
	if err := s.Decode(v); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}

// Factory builds a Connector from a Spec.
type Factory func(spec Spec) (Connector, error)

// Registry maps connector type names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a type.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build instantiates a connector for spec.Type.
func (r *Registry) Build(spec Spec) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %s: unknown type %q", spec.ID, spec.Type)
	}
	c, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", spec.ID, err)
	}
	return c, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for k := range r.factories {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
