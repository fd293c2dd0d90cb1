// Package spireratelimit implements C6: token-bucket and fixed-window
// admission counters keyed by (route_id, dimension). Unlike C5, which wraps
// gobreaker, this component is hand-rolled rather than wrapping a library; see
// SPEC_FULL.md §5 for why golang.org/x/time/rate does not fit the exact
// Retry-After and fractional-token invariants spec.md §4.5/§8 require.
package spireratelimit

import (
	"math"
	"sync"
	"time"
)

// bucket is spec.md §3's Bucket struct. All field mutation happens under
// mu, the per-key critical section spec.md §4.5 mandates.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	capacity   float64
	rate       float64 // tokens per second
}

func newBucket(capacity, rate float64) *bucket {
	return &bucket{
		tokens:     capacity,
		lastRefill: time.Now(),
		capacity:   capacity,
		rate:       rate,
	}
}

// refillLocked advances tokens per elapsed wall time. Invariant: 0 <=
// tokens <= capacity at every observable moment (spec.md §8); refill is
// monotonic over wall time.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

// admit attempts to take one token. On success it returns (true, 0). On
// rejection it returns (false, retryAfter) where retryAfter is the
// ceil((1-tokens)/rate) seconds wait spec.md §4.5 specifies.
func (b *bucket) admit(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	secs := deficit / b.rate
	return false, time.Duration(math.Ceil(secs)) * time.Second
}

// Tokens returns the current token count without admitting a request,
// refilling first. Exposed for tests exercising the invariant in
// spec.md §8.
func (b *bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}

// window is spec.md §3's WindowCounter struct.
type window struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	limit       int
	windowSecs  float64
}

func newWindow(limit int, windowSecs float64) *window {
	return &window{
		windowStart: time.Now(),
		limit:       limit,
		windowSecs:  windowSecs,
	}
}

// admit resets the window if it has elapsed, then admits iff count < limit.
func (w *window) admit(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart).Seconds() >= w.windowSecs {
		w.windowStart = now
		w.count = 0
	}
	if w.count < w.limit {
		w.count++
		return true, 0
	}
	remaining := w.windowSecs - now.Sub(w.windowStart).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return false, time.Duration(math.Ceil(remaining)) * time.Second
}

// Algorithm selects which counter scheme a Limiter key uses.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	FixedWindow
)

// Limiter is the shared, keyed rate-limit registry (C6). Keys are caller
// supplied strings, typically "<route_id>:<dimension_value>" per spec.md
// §4.5.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	windows map[string]*window
}

// NewLimiter constructs an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		windows: make(map[string]*window),
	}
}

func (l *Limiter) bucketFor(key string, capacity, rate float64) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = newBucket(capacity, rate)
	l.buckets[key] = b
	return b
}

func (l *Limiter) windowFor(key string, limit int, windowSecs float64) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w
	}
	w = newWindow(limit, windowSecs)
	l.windows[key] = w
	return w
}

// AdmitTokenBucket admits a request against the token bucket keyed by key,
// creating it with the given capacity/rate on first use.
func (l *Limiter) AdmitTokenBucket(key string, capacity, ratePerSecond float64) (ok bool, retryAfter time.Duration) {
	return l.bucketFor(key, capacity, ratePerSecond).admit(time.Now())
}

// AdmitFixedWindow admits a request against the fixed window keyed by key,
// creating it with the given limit/window on first use. Clock source is
// monotonic via time.Now() (spec.md §4.5).
func (l *Limiter) AdmitFixedWindow(key string, limit int, windowSeconds float64) (ok bool, retryAfter time.Duration) {
	return l.windowFor(key, limit, windowSeconds).admit(time.Now())
}

// Tokens exposes the current fractional token count for key, for tests and
// admin introspection. Returns 0 if key has never been used as a token
// bucket.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.Tokens(time.Now())
}
