// Package ingest runs the ingestion orchestrator and serves the normalized
// corpus it builds.
//
// Connectors declared in the configuration poll their sources under
// per-connector rate limits; fetched payloads are normalized, deduplicated
// by fingerprint and committed together with the connector's cursor. The
// corpus is read back through an HTTP query API, MCP tools, and offline
// exports.
package ingest

import (
	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

// Re-export store types for the public API.
type (
	Record         = store.Record
	Filter         = store.Filter
	Page           = store.Page
	ConnectorState = store.ConnectorState
	FetchLogEntry  = store.FetchLogEntry
	SearchResult   = store.SearchResult
	Stats          = store.Stats
	Status         = store.Status
)

// Health is the /health response body.
type Health struct {
	Status     string           `json:"status"` // ok | degraded
	Connectors []ConnectorState `json:"connectors"`
}
