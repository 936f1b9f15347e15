// Package governor paces calls per connector: a token bucket for steady
// state and a capped exponential cooldown after failures.
//
// The governor never blocks and does no I/O. It answers "may I call now,
// and if not, when?" and the orchestrator sleeps accordingly.
package governor

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Limits configures one connector's pacing.
type Limits struct {
	// Capacity is the bucket size (burst). Default 1.
	Capacity int
	// Refill is the time to regain one token. Default 1s.
	Refill time.Duration
	// BaseBackoff is the cooldown after the first failure. Default 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps the computed cooldown. Default 15m.
	MaxBackoff time.Duration
	// Jitter in [0,1] stretches each cooldown by up to that fraction.
	Jitter float64
}

func (l *Limits) defaults() {
	if l.Capacity <= 0 {
		l.Capacity = 1
	}
	if l.Refill <= 0 {
		l.Refill = time.Second
	}
	if l.BaseBackoff <= 0 {
		l.BaseBackoff = time.Second
	}
	if l.MaxBackoff <= 0 {
		l.MaxBackoff = 15 * time.Minute
	}
	if l.MaxBackoff < l.BaseBackoff {
		l.MaxBackoff = l.BaseBackoff
	}
	l.Jitter = min(max(l.Jitter, 0), 1)
}

type bucket struct {
	limits        Limits
	tokens        float64
	lastRefill    time.Time
	cooldownUntil time.Time
}

// Governor holds per-connector buckets. Safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	rand    func() float64
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(g *Governor) { g.now = fn }
}

// WithRand sets the jitter source; fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(g *Governor) { g.rand = fn }
}

// New creates an empty Governor.
func New(opts ...Option) *Governor {
	g := &Governor{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		rand:    rand.Float64,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register sets the limits for id, starting with a full bucket. Calling it
// again replaces the limits but keeps any active cooldown.
func (g *Governor) Register(id string, l Limits) {
	l.defaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if b, ok := g.buckets[id]; ok {
		b.limits = l
		b.tokens = math.Min(b.tokens, float64(l.Capacity))
		return
	}
	g.buckets[id] = &bucket{limits: l, tokens: float64(l.Capacity), lastRefill: now}
}

// Acquire takes a token for id. When it cannot, it reports the earliest
// time worth retrying. Unknown ids always proceed.
func (g *Governor) Acquire(id string) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	b, ok := g.buckets[id]
	if !ok {
		return true, now
	}
	if now.Before(b.cooldownUntil) {
		return false, b.cooldownUntil
	}
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, now
	}
	missing := 1 - b.tokens
	return false, now.Add(time.Duration(missing * float64(b.limits.Refill)))
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.limits.Capacity), b.tokens+float64(elapsed)/float64(b.limits.Refill))
	b.lastRefill = now
}

// Cooldown puts id in cooldown after its n-th consecutive failure and
// returns the end of the cooldown. The duration is
// min(MaxBackoff, BaseBackoff*2^(n-1)*(1+Jitter*r)), raised to hint when
// the source asked for longer, and never ends before an already active one.
func (g *Governor) Cooldown(id string, failures int, hint time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	b, ok := g.buckets[id]
	if !ok {
		l := Limits{}
		l.defaults()
		b = &bucket{limits: l, tokens: float64(l.Capacity), lastRefill: now}
		g.buckets[id] = b
	}

	d := backoff(b.limits, failures, g.rand())
	if hint > d {
		d = hint
	}
	until := now.Add(d)
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
	return b.cooldownUntil
}

// Delay computes the cooldown duration for the n-th failure without
// touching any state.
func Delay(l Limits, failures int, r float64) time.Duration {
	l.defaults()
	return backoff(l, failures, r)
}

func backoff(l Limits, failures int, r float64) time.Duration {
	if failures < 1 {
		failures = 1
	}
	r = min(max(r, 0), 1)
	exp := float64(l.BaseBackoff) * math.Pow(2, float64(failures-1))
	d := exp * (1 + l.Jitter*r)
	if d >= float64(l.MaxBackoff) || math.IsInf(d, 0) {
		return l.MaxBackoff
	}
	return time.Duration(d)
}

// CooldownUntil returns the active cooldown end for id, or zero.
func (g *Governor) CooldownUntil(id string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[id]; ok && g.now().Before(b.cooldownUntil) {
		return b.cooldownUntil
	}
	return time.Time{}
}

// Reset clears id's cooldown after a success.
func (g *Governor) Reset(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[id]; ok {
		b.cooldownUntil = time.Time{}
	}
}

// Forget drops all state for id.
func (g *Governor) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buckets, id)
}

// Hold extends id's cooldown to at least until. Used to restore a persisted
// backoff at startup.
func (g *Governor) Hold(id string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[id]
	if !ok {
		return
	}
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
}
