// Package spiremiddleware implements C7: the ordered middleware chain with
// request/response phases and symmetric short-circuit unwind (spec.md
// §4.6). The Middleware interface and Pipeline executor are grounded on
// the teacher's MiddlewareHandler chain in modules/caddyhttp/caddyhttp.go,
// split into two explicit phases because spec.md requires precise control
// over which on_response phases run after a short-circuit.
package spiremiddleware

import (
	"io"
	"net/http"
)

// Context carries per-request mutable state shared across middleware
// phases and into the load balancer / dispatcher. One Context is created
// per inbound request.
type Context struct {
	RouteID  string
	ClientIP string

	// BreakerConfig, when non-nil, tells the dispatcher to gate the
	// eventual upstream dial through C5 using these settings. Populated
	// by CircuitBreakerMiddleware.OnRequest, since the target endpoint
	// (and thus the breaker key) is only known after C3 runs inside the
	// dispatch step that follows the middleware chain (spec.md §4.6's
	// canonical order places circuit_breaker before "(dispatch)").
	BreakerConfig *BreakerGateConfig

	// Values holds per-request scratch values a middleware stores in its
	// OnRequest for use in its own OnResponse (CORS keeps the request's
	// Origin here).
	Values map[string]any
}

// BreakerGateConfig is the subset of spec.md §4.4's breaker config a route
// carries into the dispatch step.
type BreakerGateConfig struct {
	FailureThreshold uint32
	WindowSeconds    float64
	CooldownSeconds  float64
}

func (c *Context) set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

// ResponseFacts is the response-phase view every middleware's OnResponse
// can observe and mutate: a short-circuit response built locally, or the
// real upstream response's status/header before its body is streamed to
// the client.
type ResponseFacts struct {
	StatusCode int
	Header     http.Header
	Body       []byte // only set for short-circuit responses; nil otherwise

	// BodyReader carries a real upstream response body for streaming to the
	// client without buffering it in memory (spec.md §4.7). Only dispatch
	// results set this; short-circuit responses use Body instead. The
	// caller (the listener's HTTP handler) closes it after copying.
	BodyReader io.ReadCloser
}

// Decision is OnRequest's verdict.
type Decision int

const (
	Continue Decision = iota
	ShortCircuit
)

// Outcome is the result of one middleware's request phase.
type Outcome struct {
	Decision   Decision
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Middleware is one entry in a Route's ordered chain (spec.md §4.6).
type Middleware interface {
	Name() string
	OnRequest(ctx *Context, r *http.Request) (Outcome, error)
	OnResponse(ctx *Context, resp *ResponseFacts)
}

// Chain is an ordered, already-provisioned list of Middleware for one
// Route.
type Chain []Middleware

// Result is what Pipeline.Run hands back to the caller (the listener/HTTP
// handler) to write to the wire.
type Result struct {
	ShortCircuited bool
	Response       ResponseFacts
}

// DispatchFunc performs the actual upstream call once the request phase
// has fully passed. It returns the response facts (status/header, to be
// passed through OnResponse before the body is streamed), carrying in
// BodyReader the body the caller streams after OnResponse mutations are
// applied.
type DispatchFunc func(ctx *Context, r *http.Request) (ResponseFacts, error)

// Run executes chain's request phase in order, then either short-circuits
// or calls dispatch, then unwinds OnResponse in reverse order over exactly
// the middlewares whose OnRequest executed (spec.md §4.6/§9's symmetric
// unwind policy, resolved as a fixed behavior per SPEC_FULL.md §5).
func Run(chain Chain, ctx *Context, r *http.Request, dispatch DispatchFunc) (Result, error) {
	traversed := make(Chain, 0, len(chain))
	var resp ResponseFacts
	var shortCircuited bool
	var dispatchErr error

	for _, mw := range chain {
		outcome, err := mw.OnRequest(ctx, r)
		if err != nil {
			traversed = append(traversed, mw)
			dispatchErr = err
			break
		}
		traversed = append(traversed, mw)
		if outcome.Decision == ShortCircuit {
			resp = ResponseFacts{StatusCode: outcome.StatusCode, Header: cloneOrNewHeader(outcome.Header), Body: outcome.Body}
			shortCircuited = true
			break
		}
	}

	if !shortCircuited && dispatchErr == nil {
		resp, dispatchErr = dispatch(ctx, r)
	}

	// symmetric unwind: reverse order over exactly the traversed set.
	for i := len(traversed) - 1; i >= 0; i-- {
		traversed[i].OnResponse(ctx, &resp)
	}

	if dispatchErr != nil {
		return Result{}, dispatchErr
	}
	return Result{ShortCircuited: shortCircuited, Response: resp}, nil
}

func cloneOrNewHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
