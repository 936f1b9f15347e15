package store

import "time"

// Record is one normalized item. Records are immutable once stored apart
// from Annotations, which only ever gain keys.
type Record struct {
	Fingerprint string         `json:"fingerprint"`
	Source      string         `json:"source"`
	ConnectorID string         `json:"connector_id"`
	NativeID    string         `json:"native_id,omitempty"`
	Title       string         `json:"title,omitempty"`
	Text        string         `json:"text,omitempty"`
	Author      string         `json:"author,omitempty"`
	URL         string         `json:"url,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
	// IngestedAt is assigned by the Store and strictly increases per Store.
	IngestedAt  time.Time `json:"ingested_at"`
	CursorToken string    `json:"cursor_token,omitempty"`
}

// Status is a connector's scheduling state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusBackoff  Status = "backoff"
	StatusDisabled Status = "disabled"
)

// ConnectorState is the persisted scheduling state of one connector.
type ConnectorState struct {
	ConnectorID         string     `json:"connector_id"`
	LastCursor          string     `json:"last_cursor"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	Status              Status     `json:"status"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Filter narrows a Query. Empty fields match everything; set fields AND.
type Filter struct {
	Source      string
	ConnectorID string
	Since       *time.Time // ingested_at >= Since
	Until       *time.Time // ingested_at < Until
	Text        string     // substring of title or text, Unicode case-insensitive
}

// Page is one page of query results.
type Page struct {
	Records       []*Record `json:"records"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
}

// BatchResult summarizes a CommitBatch.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Deduped  int `json:"deduped"`
}

// FetchLogEntry is one orchestrator turn outcome.
type FetchLogEntry struct {
	ID          string    `json:"id"`
	ConnectorID string    `json:"connector_id"`
	Status      string    `json:"status"` // ok | transient | permanent | store_error
	Fetched     int       `json:"fetched"`
	Inserted    int       `json:"inserted"`
	Deduped     int       `json:"deduped"`
	Dropped     int       `json:"dropped"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// SearchResult is a full-text hit.
type SearchResult struct {
	Fingerprint string  `json:"fingerprint"`
	Source      string  `json:"source"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	URL         string  `json:"url,omitempty"`
	Rank        float64 `json:"rank"`
}

// Stats holds aggregate counters over the corpus.
type Stats struct {
	Records    int            `json:"records"`
	BySource   map[string]int `json:"by_source"`
	Annotated  int            `json:"annotated"`
	Connectors map[Status]int `json:"connectors"`
	FetchLogs  int            `json:"fetch_logs"`
}
