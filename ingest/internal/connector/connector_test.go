package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	// WHAT: HTTP outcomes map onto transient/permanent.
	// WHY: The orchestrator disables on permanent and backs off on transient.
	tests := []struct {
		code      int
		err       error
		permanent bool
		isNil     bool
	}{
		{200, nil, false, true},
		{304, nil, false, true},
		{429, nil, false, false},
		{503, nil, false, false},
		{401, nil, true, false},
		{403, nil, true, false},
		{404, nil, true, false},
		{410, nil, true, false},
		{400, nil, true, false},
		{0, errors.New("dial tcp: connection refused"), false, false},
		{0, context.DeadlineExceeded, false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.code, tt.err), func(t *testing.T) {
			got := Classify("test", tt.code, tt.err)
			if tt.isNil {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("got nil error")
			}
			if IsPermanent(got) != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", IsPermanent(got), tt.permanent, got)
			}
		})
	}
}

func TestClassify_RateLimited(t *testing.T) {
	err := Classify("reddit", 429, nil)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("want *TransientError, got %T", err)
	}
	if !te.RateLimited() {
		t.Error("429 should report RateLimited")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("120", now); got != 2*time.Minute {
		t.Errorf("seconds: got %v", got)
	}
	if got := ParseRetryAfter("Thu, 01 Jan 2026 12:00:30 GMT", now); got != 30*time.Second {
		t.Errorf("date: got %v", got)
	}
	if got := ParseRetryAfter("", now); got != 0 {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Errorf("garbage: got %v", got)
	}
}

func TestRetryAfter_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", &TransientError{Op: "x", RetryAfter: 5 * time.Second, Err: errors.New("slow down")})
	if got := RetryAfter(err); got != 5*time.Second {
		t.Errorf("got %v", got)
	}
	if RetryAfter(errors.New("plain")) != 0 {
		t.Error("plain error has no retry-after")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("static", func(spec Spec) (Connector, error) {
		return Func(func(ctx context.Context, cursor string) (*Result, error) {
			return &Result{NextCursor: spec.ID + ":" + cursor}, nil
		}), nil
	})

	c, err := r.Build(Spec{ID: "a", Type: "static"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := c.Fetch(context.Background(), "1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.NextCursor != "a:1" {
		t.Errorf("cursor: got %q", res.NextCursor)
	}

	if _, err := r.Build(Spec{ID: "b", Type: "nope"}); err == nil {
		t.Error("unknown type should fail")
	}
	if got := r.Types(); len(got) != 1 || got[0] != "static" {
		t.Errorf("types: %v", got)
	}
}

func TestSpecDecodeOptions(t *testing.T) {
	var dst struct{ N int }
	s := Spec{ID: "x", Decode: func(v any) error { v.(*struct{ N int }).N = 7; return nil }}
	if err := s.DecodeOptions(&dst); err != nil || dst.N != 7 {
		t.Fatalf("decode: %v %d", err, dst.N)
	}
	if err := (Spec{}).DecodeOptions(&dst); err != nil {
		t.Fatalf("nil decode: %v", err)
	}
}
