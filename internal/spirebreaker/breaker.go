// Package spirebreaker implements C5: a per-endpoint circuit breaker gate.
// It is a thin adapter over github.com/sony/gobreaker/v2 rather than a
// hand-rolled state machine, because gobreaker's Closed/Open/HalfOpen
// generic CircuitBreaker already encodes exactly the transition table
// spec.md §4.4 specifies: a windowed failure counter that trips Open, a
// cooldown Timeout before HalfOpen, and a MaxRequests cap that admits
// exactly one trial request while HalfOpen (spec.md §8's invariant).
package spirebreaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pterx/spire/internal/spireerr"
)

// Phase mirrors spec.md §3's BreakerState.phase for metrics/admin display.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func fromGobreaker(s gobreaker.State) Phase {
	switch s {
	case gobreaker.StateOpen:
		return PhaseOpen
	case gobreaker.StateHalfOpen:
		return PhaseHalfOpen
	default:
		return PhaseClosed
	}
}

// Config configures one endpoint's breaker per spec.md §4.4.
type Config struct {
	FailureThreshold uint32        // failures_in_window that trips Open
	WindowSeconds    time.Duration // rolling window the failure count resets over
	Cooldown         time.Duration // time in Open before a trial is admitted
}

// OnTransition is invoked whenever an endpoint's breaker changes phase,
// wired to the breaker_state{endpoint} gauge (spec.md §6).
type OnTransition func(endpointKey string, from, to Phase)

// Registry holds one breaker per endpoint identity, created lazily and
// kept for the process lifetime (breakers are cheap; no GC needed the way
// the health registry needs one for probe goroutines).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	onTrans  OnTransition
}

// NewRegistry builds a Registry. onTrans may be nil.
func NewRegistry(onTrans OnTransition) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		onTrans:  onTrans,
	}
}

func (r *Registry) getOrCreate(key string, cfg Config) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	window := cfg.WindowSeconds
	if window <= 0 {
		window = 10 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // exactly one trial admitted while HalfOpen, spec.md §8
		Interval:    window,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
	if r.onTrans != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			r.onTrans(name, fromGobreaker(from), fromGobreaker(to))
		}
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	r.breakers[key] = b
	return b
}

// Phase reports the current phase for key, creating a Closed breaker under
// default settings if key has never been configured.
func (r *Registry) Phase(key string) Phase {
	b := r.getOrCreate(key, Config{})
	return fromGobreaker(b.State())
}

// Allow runs fn through the breaker gate for key. If the breaker is Open,
// or HalfOpen with a trial already in flight, fn is never called and Allow
// returns spireerr.KindBreakerOpen (surfaced as 503 per spec.md §4.4,
// counted as a breaker-shed request rather than a backend failure). Any
// error fn returns is recorded as a breaker failure and propagated
// unchanged; a nil error is recorded as a breaker success.
func Allow(r *Registry, key string, cfg Config, fn func() error) error {
	b := r.getOrCreate(key, cfg)
	_, err := b.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return spireerr.Wrap(spireerr.KindBreakerOpen, "circuit breaker open for "+key, err)
	}
	return err
}
