package ingest

import (
	"errors"

	"github.com/hazyhaar/ingestd/ingest/internal/store"
)

var (
	// ErrInvalidInput is returned when a query parameter fails validation.
	ErrInvalidInput = errors.New("ingest: invalid input")
	// ErrUnavailable is returned when the store cannot serve a request.
	ErrUnavailable = errors.New("ingest: store unavailable")
	// ErrUnknownConnector is returned for a connector id that has no state.
	ErrUnknownConnector = errors.New("ingest: unknown connector")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = store.ErrNotFound
