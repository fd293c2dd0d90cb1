package spireproxy

import (
	"math/rand"
	"net/http"
	"sync/atomic"

	"github.com/pterx/spire/internal/spireerr"
)

// HealthView is the read-only health check the load balancer consults
// before selecting an endpoint (C4's contract as seen from C3). Grounded on
// the teacher's UpstreamHost.Down() check in middleware/proxy/policy.go,
// generalized to a registry lookup by endpoint identity.
type HealthView interface {
	// IsHealthy reports whether the endpoint identified by key is
	// currently considered healthy. Unknown keys are treated as healthy
	// (a freshly-added endpoint has no unfavorable signal yet).
	IsHealthy(key string) bool
}

// alwaysHealthy is used by callers (e.g. admin/debug tooling) that want
// unfiltered selection.
type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(string) bool { return true }

// AlwaysHealthy is a HealthView that reports every endpoint healthy.
var AlwaysHealthy HealthView = alwaysHealthy{}

// Select implements C3's contract: select(forward, request, health) ->
// Endpoint | NoEndpoint. It filters out Unhealthy endpoints first; if that
// leaves nothing, it falls back to the full, unfiltered set per spec.md
// §4.2's "none healthy" policy, to avoid a total outage during transient
// health loss.
func Select(f *ForwardSpec, req *http.Request, health HealthView) (*Endpoint, error) {
	switch f.Kind {
	case ForwardSingle:
		if f.Single == nil {
			return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "single forward has no endpoint")
		}
		return f.Single, nil

	case ForwardWeighted:
		return selectWeighted(f, health)

	case ForwardPoll:
		return selectPoll(f, health)

	case ForwardRandom:
		return selectRandom(f, health)

	case ForwardHeaderBased:
		return selectHeaderBased(f, req)

	default:
		return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "unsupported forward kind for selection")
	}
}

func selectWeighted(f *ForwardSpec, health HealthView) (*Endpoint, error) {
	if len(f.WeightedEntries) == 0 {
		return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "weighted forward has no entries")
	}
	sum, filtered := weightedCumulative(f, health, true)
	if sum == 0 {
		// fallback policy: nothing survived the health filter, so retry
		// against the full set unfiltered.
		sum, filtered = weightedCumulative(f, health, false)
		if sum == 0 {
			return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "weighted forward has zero total weight")
		}
	}
	draw := uint32(rand.Int63n(int64(sum))) + 1
	for i, cum := range filtered {
		if draw <= cum {
			return f.WeightedEntries[i].Endpoint, nil
		}
	}
	// unreachable given draw <= sum, but keep the compiler and fuzzers happy.
	return f.WeightedEntries[len(f.WeightedEntries)-1].Endpoint, nil
}

// weightedCumulative builds a per-call cumulative-weight array honoring the
// health filter (or not, when filterHealth is false for the fallback
// pass), treating an unhealthy endpoint's weight as 0 per spec.md §4.2.
func weightedCumulative(f *ForwardSpec, health HealthView, filterHealth bool) (uint32, []uint32) {
	cum := make([]uint32, len(f.WeightedEntries))
	var sum uint32
	for i, e := range f.WeightedEntries {
		w := e.Weight
		if filterHealth && !health.IsHealthy(e.Endpoint.Identity()) {
			w = 0
		}
		sum += w
		cum[i] = sum
	}
	return sum, cum
}

func selectPoll(f *ForwardSpec, health HealthView) (*Endpoint, error) {
	if len(f.PollEntries) == 0 {
		return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "poll forward has no entries")
	}
	healthy := filterHealthy(f.PollEntries, health)
	pool := healthy
	if len(pool) == 0 {
		pool = f.PollEntries // fallback policy
	}
	n := uint64(len(pool))
	idx := atomic.AddUint64(f.pollCursor, 1) % n
	return pool[idx], nil
}

func selectRandom(f *ForwardSpec, health HealthView) (*Endpoint, error) {
	if len(f.RandomEntries) == 0 {
		return nil, spireerr.New(spireerr.KindNoEndpointAvailable, "random forward has no entries")
	}
	pool := filterHealthy(f.RandomEntries, health)
	if len(pool) == 0 {
		pool = f.RandomEntries // fallback policy
	}
	return pool[rand.Intn(len(pool))], nil
}

// selectHeaderBased looks an endpoint up by the configured header's value.
// A missing header or a value with no matching entry surfaces as
// KindNoRouteMatched (404), per spec.md §4.2: the request didn't fail to
// reach a healthy backend, it never resolved to one in the first place.
func selectHeaderBased(f *ForwardSpec, req *http.Request) (*Endpoint, error) {
	if req == nil {
		return nil, spireerr.New(spireerr.KindNoRouteMatched, "header-based forward requires an HTTP request")
	}
	v := req.Header.Get(f.HeaderName)
	if v == "" {
		return nil, spireerr.New(spireerr.KindNoRouteMatched, "header-based forward: missing header "+f.HeaderName)
	}
	ep, ok := f.headerIndex[v]
	if !ok {
		return nil, spireerr.New(spireerr.KindNoRouteMatched, "header-based forward: no entry for "+v)
	}
	return ep, nil
}

// filterHealthy preserves declared order, which matters for Poll's
// deterministic tie-break (spec.md §4.2).
func filterHealthy(eps []*Endpoint, health HealthView) []*Endpoint {
	out := make([]*Endpoint, 0, len(eps))
	for _, e := range eps {
		if health.IsHealthy(e.Identity()) {
			out = append(out, e)
		}
	}
	return out
}
