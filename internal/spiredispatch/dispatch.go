// Package spiredispatch implements C8: the upstream dispatcher that turns a
// matched Route plus a selected Endpoint into an actual upstream call and
// streams the response back. It is grounded on the teacher's ReverseProxy in
// middleware/proxy/reverseproxy.go -- the hop-by-hop header stripping list,
// the director/transport split, and the streamed-body copy all carry over --
// generalized to pull the target from C3's Select instead of one fixed
// Director closure, and to gate the call through C5's breaker and report the
// outcome to C4's health registry.
package spiredispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pterx/spire/internal/metrics"
	"github.com/pterx/spire/internal/spirebreaker"
	"github.com/pterx/spire/internal/spireerr"
	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
)

// hopHeaders are stripped before forwarding in either direction, per
// middleware/proxy/reverseproxy.go's hopHeaders list, extended with the
// Proxy-* prefix spec.md §4.7 calls out explicitly.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Dispatcher owns the per-(scheme,authority) connection pools and wires the
// breaker/health feedback loop for every upstream call (spec.md §4.7).
type Dispatcher struct {
	Health   *spirehealth.Registry
	Breakers *spirebreaker.Registry
	Metrics  *metrics.Set

	transportsMu   sync.Mutex
	transports     map[string]*http.Transport
	grpcTransports map[string]http.RoundTripper
	transportGroup singleflight.Group

	// DefaultConnectTimeout is used when a Route's TimeoutSpec omits one
	// (spec.md §4.7 default: 2s).
	DefaultConnectTimeout time.Duration
	// DefaultUpstreamTimeout bounds total upstream round-trip time when a
	// Route's TimeoutSpec omits one. Zero means unbounded.
	DefaultUpstreamTimeout time.Duration
	// IdleConnTimeout is the per-pool idle connection lifetime
	// (spec.md §5 default: 90s).
	IdleConnTimeout time.Duration
	// MaxIdlePerHost bounds pooled idle connections per upstream.
	MaxIdlePerHost int
}

// NewDispatcher constructs a Dispatcher with spec.md §5's default pool
// sizing.
func NewDispatcher(health *spirehealth.Registry, breakers *spirebreaker.Registry, m *metrics.Set) *Dispatcher {
	return &Dispatcher{
		Health:                health,
		Breakers:              breakers,
		Metrics:               m,
		transports:            make(map[string]*http.Transport),
		DefaultConnectTimeout: 2 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdlePerHost:        32,
	}
}

// transportFor returns the pooled *http.Transport for connectTimeout,
// creating it at most once even when many request goroutines race to
// dispatch against a newly-seen timeout bucket concurrently. The
// singleflight.Group coalesces that creation race instead of guarding it
// with a second mutex-protected check (spec.md §5's connection-pool
// sharing, grounded on golang.org/x/sync's use across the examples pack).
func (d *Dispatcher) transportFor(connectTimeout time.Duration) *http.Transport {
	key := connectTimeout.String()
	d.transportsMu.Lock()
	if t, ok := d.transports[key]; ok {
		d.transportsMu.Unlock()
		return t
	}
	d.transportsMu.Unlock()

	v, _, _ := d.transportGroup.Do(key, func() (any, error) {
		d.transportsMu.Lock()
		defer d.transportsMu.Unlock()
		if t, ok := d.transports[key]; ok {
			return t, nil
		}
		dialer := &net.Dialer{Timeout: connectTimeout}
		t := &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: d.MaxIdlePerHost,
			IdleConnTimeout:     d.IdleConnTimeout,
			Proxy:               nil,
		}
		d.transports[key] = t
		return t, nil
	})
	return v.(*http.Transport)
}

// Build returns a spiremiddleware.DispatchFunc closing over route so
// C7's Pipeline.Run can invoke it as the hot-path dispatch step.
func (d *Dispatcher) Build(route *spireproxy.Route) spiremiddleware.DispatchFunc {
	return func(ctx *spiremiddleware.Context, r *http.Request) (spiremiddleware.ResponseFacts, error) {
		return d.dispatch(ctx, r, route)
	}
}

func (d *Dispatcher) dispatch(ctx *spiremiddleware.Context, r *http.Request, route *spireproxy.Route) (spiremiddleware.ResponseFacts, error) {
	endpoint, err := spireproxy.Select(route.Forward, r, d.Health)
	if err != nil {
		return spiremiddleware.ResponseFacts{}, err
	}
	key := endpoint.Identity()
	d.Health.Touch(key)

	connectTimeout := d.DefaultConnectTimeout
	upstreamTimeout := d.DefaultUpstreamTimeout
	if route.Timeout != nil {
		if route.Timeout.ConnectTimeout > 0 {
			connectTimeout = time.Duration(route.Timeout.ConnectTimeout * float64(time.Second))
		}
		if route.Timeout.UpstreamTimeout > 0 {
			upstreamTimeout = time.Duration(route.Timeout.UpstreamTimeout * float64(time.Second))
		}
	}

	if route.PathRewrite != nil {
		r.URL.Path = route.PathRewrite.Rewrite(r.URL.Path)
	}

	var resp spiremiddleware.ResponseFacts
	var dispatchErr error
	start := time.Now()

	run := func() error {
		resp, dispatchErr = d.roundTrip(r, endpoint, connectTimeout, upstreamTimeout)
		return dispatchErr
	}

	if ctx.BreakerConfig != nil {
		cfg := spirebreaker.Config{
			FailureThreshold: ctx.BreakerConfig.FailureThreshold,
			WindowSeconds:    time.Duration(ctx.BreakerConfig.WindowSeconds * float64(time.Second)),
			Cooldown:         time.Duration(ctx.BreakerConfig.CooldownSeconds * float64(time.Second)),
		}
		err = spirebreaker.Allow(d.Breakers, key, cfg, run)
	} else {
		err = run()
	}

	if d.Metrics != nil {
		d.Metrics.UpstreamLatencySecs.WithLabelValues(route.ID).Observe(time.Since(start).Seconds())
	}

	passive := classifyOutcome(resp.StatusCode, err)
	// A breaker rejection never reached the endpoint: it is a shed request,
	// not a backend failure, so it feeds neither health nor failure metrics.
	shed := passive.failureKind == "breaker_open"
	if !shed && (route.HealthCheck == nil || !route.HealthCheck.PassiveOnly5xx || passive.countsTowardHealth) {
		d.Health.RecordPassive(key, passive.success)
	}
	if !passive.success && !shed && d.Metrics != nil {
		d.Metrics.UpstreamFailuresTotal.WithLabelValues(key, passive.failureKind).Inc()
	}

	if err != nil {
		return spiremiddleware.ResponseFacts{}, err
	}
	return resp, nil
}

type outcomeClass struct {
	success            bool
	countsTowardHealth bool
	failureKind        string
}

// classifyOutcome maps a dispatch result to a passive health signal:
// transport errors and 5xx responses are failures, every other completed
// response (2xx/3xx/4xx) is a success. Every outcome is marked
// countsTowardHealth, so the PassiveOnly5xx check in dispatch filters no
// outcome out whatever PassiveOnly5xx is set to; dispatch itself skips
// only breaker rejections.
func classifyOutcome(status int, err error) outcomeClass {
	if err != nil {
		kind := "connect_failed"
		if se, ok := spireerr.As(err); ok {
			switch se.Kind {
			case spireerr.KindUpstreamTimeout:
				kind = "timeout"
			case spireerr.KindUpstreamClosedPrematurely:
				kind = "closed_prematurely"
			case spireerr.KindBreakerOpen:
				kind = "breaker_open"
			}
		}
		return outcomeClass{success: false, countsTowardHealth: true, failureKind: kind}
	}
	if status >= 500 {
		return outcomeClass{success: false, countsTowardHealth: true, failureKind: "5xx"}
	}
	return outcomeClass{success: true, countsTowardHealth: true}
}

// roundTrip performs one HTTP/1.1 upstream call. The response body is never
// buffered (spec.md §4.7): it comes back as ResponseFacts.BodyReader, which
// the listener copies straight to the client and closes when done.
func (d *Dispatcher) roundTrip(r *http.Request, ep *spireproxy.Endpoint, connectTimeout, upstreamTimeout time.Duration) (spiremiddleware.ResponseFacts, error) {
	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = schemeFor(ep.Scheme)
	outreq.URL.Host = net.JoinHostPort(ep.Authority, strconv.Itoa(ep.Port))
	outreq.Host = outreq.URL.Host
	outreq.RequestURI = ""
	outreq.Close = false
	stripHopHeaders(outreq.Header)

	ctx := r.Context()
	if upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()
		outreq = outreq.WithContext(ctx)
	}

	var transport http.RoundTripper
	if ep.Scheme == spireproxy.SchemeGRPC {
		transport = d.grpcTransportFor(connectTimeout, false)
	} else {
		transport = d.transportFor(connectTimeout)
	}
	resp, err := transport.RoundTrip(outreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return spiremiddleware.ResponseFacts{}, spireerr.Wrap(spireerr.KindUpstreamTimeout, "upstream round trip timed out", err)
		}
		return spiremiddleware.ResponseFacts{}, spireerr.Wrap(spireerr.KindUpstreamConnectFailed, "upstream round trip failed", err)
	}

	stripHopHeaders(resp.Header)
	return spiremiddleware.ResponseFacts{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		BodyReader: &healthReportingBody{
			ReadCloser: resp.Body,
			onFailure: func() {
				d.Health.RecordPassive(ep.Identity(), false)
			},
		},
	}, nil
}

// healthReportingBody wraps an upstream response body so a read failure
// mid-stream (connection reset while copying to the client) still reaches
// C4 as a passive failure signal, even though the status line already
// looked successful when headers arrived (spec.md §4.3/§4.7).
type healthReportingBody struct {
	io.ReadCloser
	onFailure func()
	reported  bool
}

func (b *healthReportingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && !b.reported {
		b.reported = true
		b.onFailure()
	}
	return n, err
}

func schemeFor(s spireproxy.Scheme) string {
	switch s {
	case spireproxy.SchemeHTTPS:
		return "https"
	case spireproxy.SchemeGRPC:
		return "https"
	default:
		return "http"
	}
}
