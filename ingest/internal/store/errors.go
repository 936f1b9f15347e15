package store

import (
	"errors"
	"fmt"
)

var (
	// ErrBadPageToken is returned by Query for a token it did not issue.
	ErrBadPageToken = errors.New("store: malformed page token")
	// ErrNotFound is returned when a record or connector state does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAnnotationExists is returned when annotating a key already set.
	ErrAnnotationExists = errors.New("store: annotation already set")
)

// StoreError wraps a persistence failure. A failed batch commits nothing.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
