// Package spireproxy holds the immutable routing table (C1), the matcher
// engine that resolves a request to a Route (C2), and the load-balancing
// selection policies that pick an Endpoint from a Route's forward spec
// (C3). All three are grounded on the teacher's Server/Route/RequestMatcher
// shapes in modules/caddyhttp/caddyhttp.go, generalized to spec.md §3's
// tagged-variant data model.
package spireproxy

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Protocol enumerates the listener protocols spec.md §3 names for a Server.
type Protocol string

const (
	ProtoHTTP1    Protocol = "HTTP1"
	ProtoHTTPS    Protocol = "HTTPS"
	ProtoHTTP2    Protocol = "HTTP2"
	ProtoHTTP2TLS Protocol = "HTTP2TLS"
	ProtoTCP      Protocol = "TCP"
)

// Scheme enumerates the endpoint schemes spec.md §3 names.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeGRPC  Scheme = "grpc"
	SchemeTCP   Scheme = "tcp"
)

// Endpoint is one upstream address with a stable identity key that indexes
// health/breaker/limiter state and survives config reload when unchanged.
type Endpoint struct {
	Scheme    Scheme
	Authority string
	Port      int
	identity  string
}

// Identity returns the stable key used to index per-endpoint registries.
// It is built from scheme+authority+port on the first call and cached on
// the Endpoint, so two snapshots describing the same upstream produce the
// same key.
func (e *Endpoint) Identity() string {
	if e.identity == "" {
		e.identity = fmt.Sprintf("%s://%s:%d", e.Scheme, e.Authority, e.Port)
	}
	return e.identity
}

func (e *Endpoint) String() string { return e.Identity() }

// MatcherKind distinguishes the tagged Matcher variants of spec.md §3.
type MatcherKind int

const (
	MatchKindPath MatcherKind = iota
	MatchKindHost
	MatchKindHeader
	MatchKindMethod
)

// PathKind selects how Matcher.Value is compared against a request path.
type PathKind int

const (
	PathPrefix PathKind = iota
	PathExact
	PathRegex
)

// HeaderKind selects how Matcher.Value is compared against a header value.
type HeaderKind int

const (
	HeaderExact HeaderKind = iota
	HeaderRegex
	HeaderSplit
)

// Matcher is a single predicate over a request. All Matchers in a Route's
// list must hold (AND) for the route to match (spec.md §3/§4.1).
type Matcher struct {
	Kind MatcherKind

	// Path / Host / Header value source, depending on Kind.
	Value string
	Name  string // header name, only used when Kind == MatchKindHeader

	PathKind   PathKind
	HeaderKind HeaderKind

	// Methods is only populated when Kind == MatchKindMethod.
	Methods map[string]struct{}

	compiled *regexp.Regexp // set by Compile for PathRegex / HeaderRegex
}

// Compile prepares m for matching, compiling any regex once so the request
// hot path never recompiles (spec.md §9). It must be called exactly once
// per Matcher at snapshot-build time.
func (m *Matcher) Compile() error {
	switch {
	case m.Kind == MatchKindPath && m.PathKind == PathRegex:
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return fmt.Errorf("compiling path regex %q: %w", m.Value, err)
		}
		m.compiled = re
	case m.Kind == MatchKindHeader && m.HeaderKind == HeaderRegex:
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return fmt.Errorf("compiling header regex %q: %w", m.Value, err)
		}
		m.compiled = re
	}
	return nil
}

// ForwardKind distinguishes the tagged ForwardSpec variants of spec.md §3.
type ForwardKind int

const (
	ForwardSingle ForwardKind = iota
	ForwardWeighted
	ForwardPoll
	ForwardRandom
	ForwardHeaderBased
	ForwardFile
)

// WeightedEntry pairs an Endpoint with a selection weight.
type WeightedEntry struct {
	Endpoint *Endpoint
	Weight   uint32
}

// HeaderEntry pairs a header value with the Endpoint it routes to.
type HeaderEntry struct {
	HeaderValue string
	Endpoint    *Endpoint
}

// ForwardSpec selects an Endpoint for a matched Route (spec.md §3).
type ForwardSpec struct {
	Kind ForwardKind

	Single *Endpoint

	WeightedEntries []WeightedEntry
	cumWeights      []uint32 // built by Compile; cumWeights[i] = sum(weights[0..i])

	PollEntries []*Endpoint
	pollCursor  *uint64 // allocated by Compile and shared by every request on this ForwardSpec; each rebuilt snapshot starts a fresh cursor

	RandomEntries []*Endpoint

	HeaderName    string
	HeaderEntries []HeaderEntry
	headerIndex   map[string]*Endpoint

	// File forwarding (static content, limited scope per spec.md §3).
	RootPath   string
	IndexFiles []string
}

// Compile prepares derived lookup structures (cumulative weights, header
// index, poll cursor) once at snapshot-build time.
func (f *ForwardSpec) Compile() error {
	switch f.Kind {
	case ForwardWeighted:
		f.cumWeights = make([]uint32, len(f.WeightedEntries))
		var sum uint32
		for i, e := range f.WeightedEntries {
			if e.Weight == 0 {
				return fmt.Errorf("weighted forward entry %d has zero weight", i)
			}
			sum += e.Weight
			f.cumWeights[i] = sum
		}
	case ForwardPoll:
		if f.pollCursor == nil {
			var c uint64
			f.pollCursor = &c
		}
	case ForwardHeaderBased:
		f.headerIndex = make(map[string]*Endpoint, len(f.HeaderEntries))
		for _, e := range f.HeaderEntries {
			f.headerIndex[e.HeaderValue] = e.Endpoint
		}
	}
	return nil
}

// AllEndpoints returns every Endpoint this forward spec can select,
// regardless of health, for registry bootstrap and GC bookkeeping.
func (f *ForwardSpec) AllEndpoints() []*Endpoint {
	switch f.Kind {
	case ForwardSingle:
		if f.Single == nil {
			return nil
		}
		return []*Endpoint{f.Single}
	case ForwardWeighted:
		out := make([]*Endpoint, len(f.WeightedEntries))
		for i, e := range f.WeightedEntries {
			out[i] = e.Endpoint
		}
		return out
	case ForwardPoll:
		return f.PollEntries
	case ForwardRandom:
		return f.RandomEntries
	case ForwardHeaderBased:
		out := make([]*Endpoint, len(f.HeaderEntries))
		for i, e := range f.HeaderEntries {
			out[i] = e.Endpoint
		}
		return out
	default:
		return nil
	}
}

// RewriteSpec computes an outgoing path from an incoming one by pattern
// replacement (spec.md §4.7).
type RewriteSpec struct {
	From *regexp.Regexp
	To   string
}

// Rewrite applies r to path, returning path unchanged if r is nil or does
// not match.
func (r *RewriteSpec) Rewrite(path string) string {
	if r == nil || r.From == nil {
		return path
	}
	if !r.From.MatchString(path) {
		return path
	}
	return r.From.ReplaceAllString(path, r.To)
}

// HealthSpec configures active probing for the endpoints a Route forwards
// to (spec.md §4.3).
type HealthSpec struct {
	Path               string
	Interval           float64 // seconds
	Timeout            float64 // seconds
	UnhealthyThreshold int
	HealthyThreshold   int
	TCP                bool // true selects the TCP 3-way-handshake probe
	PassiveOnly5xx     bool // default true per spec.md §4.3
}

// TimeoutSpec bounds upstream dispatch time for a Route (spec.md §4.7).
type TimeoutSpec struct {
	UpstreamTimeout float64 // seconds, total upstream time
	ConnectTimeout  float64 // seconds, dial bound; default 2s if zero
}

// Route is one entry in a Server's ordered route list. All Matchers must
// hold for the route to be selected; first match wins (spec.md §3).
type Route struct {
	ID          string
	Matchers    []Matcher
	Forward     *ForwardSpec
	Middlewares []MiddlewareSpec
	PathRewrite *RewriteSpec
	HealthCheck *HealthSpec
	Timeout     *TimeoutSpec
}

// Matches reports whether every Matcher in r holds against req.
func (r *Route) Matches(req *RequestFacts) bool {
	for i := range r.Matchers {
		if !r.Matchers[i].matches(req) {
			return false
		}
	}
	return true
}

// RequestFacts is the minimal view of an inbound request the matcher engine
// needs. It is deliberately decoupled from net/http so TCP-path callers
// (which have no HTTP request) can still drive Host-only matching.
type RequestFacts struct {
	Method  string
	Path    string
	Host    string // already stripped of port, lower-cased by the caller
	Headers map[string][]string
}

func (m *Matcher) matches(req *RequestFacts) bool {
	switch m.Kind {
	case MatchKindPath:
		return m.matchPath(req.Path)
	case MatchKindHost:
		return strings.EqualFold(m.Value, req.Host)
	case MatchKindHeader:
		return m.matchHeader(req.Headers[m.Name])
	case MatchKindMethod:
		_, ok := m.Methods[strings.ToUpper(req.Method)]
		return ok
	default:
		return false
	}
}

func (m *Matcher) matchPath(path string) bool {
	switch m.PathKind {
	case PathPrefix:
		return strings.HasPrefix(path, m.Value)
	case PathExact:
		return path == m.Value
	case PathRegex:
		return m.compiled != nil && m.compiled.MatchString(path)
	default:
		return false
	}
}

func (m *Matcher) matchHeader(values []string) bool {
	switch m.HeaderKind {
	case HeaderExact:
		for _, v := range values {
			if v == m.Value {
				return true
			}
		}
		return false
	case HeaderRegex:
		if m.compiled == nil {
			return false
		}
		for _, v := range values {
			if m.compiled.MatchString(v) {
				return true
			}
		}
		return false
	case HeaderSplit:
		// RFC 7230 comma-separated list, ASCII-trimmed. Quoted commas are
		// not treated specially; see SPEC_FULL.md §5's Open Question note.
		for _, v := range values {
			for _, tok := range strings.Split(v, ",") {
				if strings.TrimFunc(tok, isASCIISpace) == m.Value {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// Server groups listeners, their TLS domains, and their ordered route list
// (spec.md §3).
type Server struct {
	Name       string
	ListenPort uint16
	Protocol   Protocol
	TLSDomains map[string]struct{}
	Routes     []*Route
}

// Compile compiles every regex-bearing Matcher and ForwardSpec in s. It is
// called once per Server when a RouteTable snapshot is built; a Server that
// fails to compile causes the whole snapshot build to be rejected and the
// previous snapshot to remain active (spec.md §9).
func (s *Server) Compile() error {
	for _, r := range s.Routes {
		for i := range r.Matchers {
			if err := r.Matchers[i].Compile(); err != nil {
				return fmt.Errorf("route %s: %w", r.ID, err)
			}
		}
		if r.Forward != nil {
			if err := r.Forward.Compile(); err != nil {
				return fmt.Errorf("route %s: %w", r.ID, err)
			}
		}
	}
	return nil
}

// RouteTable is the immutable snapshot C1 stores and hands to requests.
// Readers obtain a shared handle (a pointer into an already-built table)
// that remains valid for the lifetime of one request even across a reload
// (spec.md §4.9).
type RouteTable struct {
	Servers map[string]*Server // keyed by Server.Name
}

// Store is the atomic publish/subscribe point for the active RouteTable
// (C1/C10). A zero Store is ready to use.
type Store struct {
	ptr atomic.Pointer[RouteTable]
}

// Load acquire-loads the currently active snapshot. The returned pointer
// remains valid indefinitely; it simply stops being the "active" one once
// Store is replaced.
func (s *Store) Load() *RouteTable {
	return s.ptr.Load()
}

// Swap release-stores a newly compiled snapshot as active. Callers must
// have already called Server.Compile on every server in table.
func (s *Store) Swap(table *RouteTable) {
	s.ptr.Store(table)
}

// ServerByListenKey finds the Server whose (port, protocol) matches. Used
// by C9 when dispatching an accepted connection.
func (t *RouteTable) ServerByListenKey(port uint16, proto Protocol) *Server {
	for _, s := range t.Servers {
		if s.ListenPort == port && s.Protocol == proto {
			return s
		}
	}
	return nil
}
