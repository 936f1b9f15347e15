package connector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransientError is a failure worth retrying later: network trouble,
// timeouts, 5xx, rate limiting.
type TransientError struct {
	Op         string
	StatusCode int
	// RetryAfter is an upstream-requested cooldown (e.g. Retry-After header).
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimited reports whether the source explicitly signalled throttling.
func (e *TransientError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.RetryAfter > 0
}

// PermanentError is a failure that will not heal by retrying: bad
// credentials, removed or renamed source. The connector is disabled.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: permanent (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfter extracts the upstream cooldown from a transient error, or 0.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// Classify maps an HTTP outcome to the connector error taxonomy.
// statusCode 0 means the request never produced a response; err then decides.
// Returns nil for 2xx/3xx with a nil err.
func Classify(op string, statusCode int, err error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: statusCode, Err: orStatus(err, statusCode)}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return &PermanentError{Op: op, StatusCode: statusCode, Err: orStatus(err, statusCode)}
	case statusCode >= 500 && statusCode < 600:
		return &TransientError{Op: op, StatusCode: statusCode, Err: orStatus(err, statusCode)}
	case statusCode >= 400:
		// Other 4xx: the request we build is wrong for this source.
		return &PermanentError{Op: op, StatusCode: statusCode, Err: orStatus(err, statusCode)}
	}
	if err == nil {
		return nil
	}
	// Unparseable bodies land here too: a CDN error page today is not proof
	// the source is gone, and MaxFailures bounds the retries anyway.
	return &TransientError{Op: op, Err: err}
}

// ParseRetryAfter reads a Retry-After header value (seconds or HTTP date).
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func orStatus(err error, code int) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("http %d", code)
}
