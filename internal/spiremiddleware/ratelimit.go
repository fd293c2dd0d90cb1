package spiremiddleware

import (
	"fmt"
	"math"
	"net/http"

	"github.com/pterx/spire/internal/spireratelimit"
)

// RateLimitDimension enumerates the keying dimensions spec.md §4.5 names.
type RateLimitDimension int

const (
	DimensionGlobal RateLimitDimension = iota
	DimensionClientIP
	DimensionHeaderValue
)

// RateLimitMiddleware admits or rejects a request against C6, keyed by
// (route_id, dimension) per spec.md §4.5. Rejection short-circuits with
// 429 and a computed Retry-After.
type RateLimitMiddleware struct {
	RouteID   string
	Limiter   *spireratelimit.Limiter
	Algorithm spireratelimit.Algorithm
	Dimension RateLimitDimension
	HeaderKey string // only used when Dimension == DimensionHeaderValue

	Capacity      float64
	RatePerSecond float64
	Limit         int
	WindowSeconds float64

	OnRejected func(routeID string) // metrics hook, may be nil
}

func (RateLimitMiddleware) Name() string { return "rate_limit" }

func (m *RateLimitMiddleware) key(ctx *Context, r *http.Request) string {
	switch m.Dimension {
	case DimensionClientIP:
		return fmt.Sprintf("%s:ip:%s", m.RouteID, ctx.ClientIP)
	case DimensionHeaderValue:
		return fmt.Sprintf("%s:hdr:%s", m.RouteID, r.Header.Get(m.HeaderKey))
	default:
		return fmt.Sprintf("%s:global", m.RouteID)
	}
}

func (m *RateLimitMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	key := m.key(ctx, r)
	var ok bool
	var retryAfterSecs float64
	if m.Algorithm == spireratelimit.FixedWindow {
		admitted, retry := m.Limiter.AdmitFixedWindow(key, m.Limit, m.WindowSeconds)
		ok = admitted
		retryAfterSecs = retry.Seconds()
	} else {
		admitted, retry := m.Limiter.AdmitTokenBucket(key, m.Capacity, m.RatePerSecond)
		ok = admitted
		retryAfterSecs = retry.Seconds()
	}
	if ok {
		return Outcome{Decision: Continue}, nil
	}
	if m.OnRejected != nil {
		m.OnRejected(m.RouteID)
	}
	h := make(http.Header)
	h.Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfterSecs))))
	return Outcome{
		Decision:   ShortCircuit,
		StatusCode: http.StatusTooManyRequests,
		Header:     h,
		Body:       []byte("rate limit exceeded\n"),
	}, nil
}

func (*RateLimitMiddleware) OnResponse(*Context, *ResponseFacts) {}
