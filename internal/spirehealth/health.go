// Package spirehealth implements C4: per-endpoint liveness state, an
// active prober, and passive signal ingestion from the dispatcher. The
// state machine mirrors spec.md §3's EndpointStatus invariant (transitions
// only fire at threshold crossings) and is grounded on the teacher's
// UpstreamHost health bookkeeping in middleware/proxy/upstream.go,
// generalized from a single boolean Unhealthy flag to the full
// Healthy/Unhealthy/Unknown state machine spec.md requires.
package spirehealth

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// State is one of EndpointStatus's three values (spec.md §3).
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	defaultUnhealthyThreshold = 3
	defaultHealthyThreshold   = 2
)

// status is the mutable per-endpoint record. All mutation happens under
// the entry's own mutex (fine-grained per-key critical section, spec.md
// §4.3/§5); reads via Registry.State/IsHealthy take the same lock only long
// enough to copy the record, so callers may act on a slightly stale value,
// which spec.md explicitly allows.
type status struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	lastTransition      time.Time
	lastSeen            time.Time

	unhealthyThreshold int
	healthyThreshold   int
}

func newStatus(unhealthyThreshold, healthyThreshold int) *status {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = defaultUnhealthyThreshold
	}
	if healthyThreshold <= 0 {
		healthyThreshold = defaultHealthyThreshold
	}
	return &status{
		state:              StateUnknown,
		unhealthyThreshold: unhealthyThreshold,
		healthyThreshold:   healthyThreshold,
		lastTransition:     time.Now(),
	}
}

// recordResult applies one observation. A transition to Healthy requires
// consecutiveSuccess >= healthyThreshold; to Unhealthy requires
// consecutiveFailures >= unhealthyThreshold. A single observation never
// itself flips the state unless it crosses the threshold (spec.md §8).
func (s *status) recordResult(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if success {
		s.consecutiveSuccess++
		s.consecutiveFailures = 0
		if s.state != StateHealthy && s.consecutiveSuccess >= s.healthyThreshold {
			s.state = StateHealthy
			s.lastTransition = time.Now()
		}
	} else {
		s.consecutiveFailures++
		s.consecutiveSuccess = 0
		if s.state != StateUnhealthy && s.consecutiveFailures >= s.unhealthyThreshold {
			s.state = StateUnhealthy
			s.lastTransition = time.Now()
		}
	}
}

func (s *status) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:               s.state,
		ConsecutiveFailures: s.consecutiveFailures,
		ConsecutiveSuccess:  s.consecutiveSuccess,
		LastTransition:      s.lastTransition,
	}
}

// Status is a point-in-time, read-only copy of a status record.
type Status struct {
	State               State
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastTransition      time.Time
}

// Prober is implemented by the active health check strategies (HTTP, TCP).
type Prober interface {
	Probe(ctx context.Context, authority string, port int) bool
}

// HTTPProber issues GET <path> against the endpoint; success iff status in
// [200,399] (spec.md §4.3).
type HTTPProber struct {
	Path   string
	Scheme string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, authority string, port int) bool {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	url := scheme + "://" + net.JoinHostPort(authority, strconv.Itoa(port)) + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// TCPProber completes a 3-way handshake (spec.md §4.3).
type TCPProber struct {
	Dialer *net.Dialer
}

func (p *TCPProber) Probe(ctx context.Context, authority string, port int) bool {
	d := p.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(authority, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Target describes one endpoint under active probing.
type Target struct {
	Key       string // endpoint identity
	Authority string
	Port      int
	Prober    Prober
	Interval  time.Duration
	Timeout   time.Duration
}

// HealthChangeFunc is invoked after every recorded observation (active or
// passive) with the endpoint's current state, wired to the
// endpoint_healthy{endpoint} gauge (spec.md §6).
type HealthChangeFunc func(key string, state State)

// Registry is the shared, keyed health-state store (C4). It persists
// across RouteTable snapshots; entries are garbage-collected when no route
// in the active snapshot references them for longer than idleTTL (spec.md
// §3, default 5 minutes).
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*status
	lastSeen map[string]time.Time
	idleTTL  time.Duration

	probeMu sync.Mutex
	probes  map[string]context.CancelFunc

	onChange HealthChangeFunc
}

// NewRegistry constructs a Registry with the given idle-GC TTL. A zero TTL
// defaults to 5 minutes per spec.md §3.
func NewRegistry(idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &Registry{
		entries:  make(map[string]*status),
		lastSeen: make(map[string]time.Time),
		idleTTL:  idleTTL,
		probes:   make(map[string]context.CancelFunc),
	}
}

func (r *Registry) entryFor(key string, unhealthyThreshold, healthyThreshold int) *status {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = newStatus(unhealthyThreshold, healthyThreshold)
		r.entries[key] = e
	}
	r.lastSeen[key] = time.Now()
	return e
}

// SetOnTransition installs the callback invoked after every observation
// with the endpoint's resulting state. Replaces any previously set
// callback; nil disables reporting.
func (r *Registry) SetOnTransition(fn HealthChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// RecordActive applies an active-probe result (spec.md §4.3).
func (r *Registry) RecordActive(key string, unhealthyThreshold, healthyThreshold int, success bool) {
	e := r.entryFor(key, unhealthyThreshold, healthyThreshold)
	e.recordResult(success)
	r.reportState(key, e)
}

// RecordPassive applies a passive signal inferred from real traffic
// (spec.md §4.3). Passive and active inputs update the same counters.
func (r *Registry) RecordPassive(key string, success bool) {
	// Passive signals use whatever thresholds the endpoint's entry already
	// has (created by the active prober, or defaulted here if the route
	// has no active health_check configured).
	e := r.entryFor(key, 0, 0)
	e.recordResult(success)
	r.reportState(key, e)
}

func (r *Registry) reportState(key string, e *status) {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(key, e.snapshot().State)
}

// State returns the current liveness state for key. Unknown endpoints
// (never observed) report StateUnknown; callers treat unknown as healthy
// (see spireproxy.HealthView).
func (r *Registry) State(key string) State {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	return e.snapshot().State
}

// IsHealthy implements spireproxy.HealthView: only an explicit Unhealthy
// verdict excludes an endpoint from selection.
func (r *Registry) IsHealthy(key string) bool {
	return r.State(key) != StateUnhealthy
}

// Snapshot returns a read-only copy of key's full status.
func (r *Registry) Snapshot(key string) Status {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return Status{State: StateUnknown}
	}
	return e.snapshot()
}

// StartProbe launches (or restarts) an active prober for target, cancelling
// any prior probe goroutine registered under the same key. It is
// cancellable on config reload that removes the endpoint (spec.md §5).
func (r *Registry) StartProbe(ctx context.Context, t Target, unhealthyThreshold, healthyThreshold int) {
	r.probeMu.Lock()
	if cancel, ok := r.probes[t.Key]; ok {
		cancel()
	}
	probeCtx, cancel := context.WithCancel(ctx)
	r.probes[t.Key] = cancel
	r.probeMu.Unlock()

	interval := t.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		probeOnce := func() {
			pctx, cancel := context.WithTimeout(probeCtx, timeout)
			defer cancel()
			ok := t.Prober.Probe(pctx, t.Authority, t.Port)
			r.RecordActive(t.Key, unhealthyThreshold, healthyThreshold, ok)
		}
		probeOnce()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				probeOnce()
			}
		}
	}()
}

// StopProbe cancels the active prober registered for key, if any.
func (r *Registry) StopProbe(key string) {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if cancel, ok := r.probes[key]; ok {
		cancel()
		delete(r.probes, key)
	}
}

// ProbeKeys returns the keys of every endpoint currently under active
// probing. Callers use this to diff against a freshly compiled snapshot
// and stop probes for endpoints the new snapshot no longer references
// (spec.md §5).
func (r *Registry) ProbeKeys() []string {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	keys := make([]string, 0, len(r.probes))
	for k := range r.probes {
		keys = append(keys, k)
	}
	return keys
}

// GC removes entries that have not been referenced (via entryFor) for
// longer than idleTTL. The control bus calls it once after every snapshot
// swap; nothing calls it on a timer.
func (r *Registry) GC(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, seen := range r.lastSeen {
		if now.Sub(seen) > r.idleTTL {
			delete(r.entries, key)
			delete(r.lastSeen, key)
		}
	}
}

// Touch marks key as still referenced by the active snapshot, resetting
// its idle-GC clock without recording a health observation.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	r.lastSeen[key] = time.Now()
	r.mu.Unlock()
}
