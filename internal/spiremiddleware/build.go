package spiremiddleware

import (
	"fmt"

	"github.com/pterx/spire/internal/spireproxy"
	"github.com/pterx/spire/internal/spireratelimit"
)

// Builder turns a Route's []spireproxy.MiddlewareSpec into a live Chain,
// the way ForwardSpec.Compile turns config into request-hot-path-ready
// state (spec.md §9: all compilation happens at snapshot-build time).
type Builder struct {
	Limiter        *spireratelimit.Limiter
	OnRateLimited  func(routeID string)
	JWKSCacheByURL map[string]*JWKSCache
}

// NewBuilder constructs a Builder sharing a single rate limiter and JWKS
// cache set across every route in a snapshot.
func NewBuilder(limiter *spireratelimit.Limiter, onRateLimited func(routeID string)) *Builder {
	return &Builder{
		Limiter:        limiter,
		OnRateLimited:  onRateLimited,
		JWKSCacheByURL: make(map[string]*JWKSCache),
	}
}

func (b *Builder) jwks(url string) *JWKSCache {
	if c, ok := b.JWKSCacheByURL[url]; ok {
		return c
	}
	c := NewJWKSCache(url, 0)
	b.JWKSCacheByURL[url] = c
	return c
}

// Build compiles routeID's middleware specs into an ordered Chain.
func (b *Builder) Build(routeID string, specs []spireproxy.MiddlewareSpec) (Chain, error) {
	chain := make(Chain, 0, len(specs))
	for _, spec := range specs {
		mw, err := b.buildOne(routeID, spec)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", routeID, err)
		}
		chain = append(chain, mw)
	}
	return chain, nil
}

func (b *Builder) buildOne(routeID string, spec spireproxy.MiddlewareSpec) (Middleware, error) {
	switch spec.Kind {
	case spireproxy.MwForwardHeaders:
		return ForwardHeadersMiddleware{}, nil

	case spireproxy.MwAllowDenyList:
		return NewAllowDenyListMiddleware(spec.AllowCIDRs, spec.DenyCIDRs)

	case spireproxy.MwAuthentication:
		am := &AuthenticationMiddleware{
			HeaderOrQuery: spec.APIKeyHeaderOrQuery,
			Expected:      spec.APIKeyExpected,
			User:          spec.BasicUser,
			Pass:          spec.BasicPass,
			Issuer:        spec.JWTIssuer,
			Audience:      spec.JWTAudience,
		}
		switch spec.AuthKind {
		case spireproxy.AuthAPIKey:
			am.Kind = AuthAPIKey
		case spireproxy.AuthBasic:
			am.Kind = AuthBasic
		case spireproxy.AuthJWT:
			am.Kind = AuthJWT
			am.JWKS = b.jwks(spec.JWTJWKSURL)
		}
		return am, nil

	case spireproxy.MwRateLimit:
		rl := &RateLimitMiddleware{
			RouteID:       routeID,
			Limiter:       b.Limiter,
			HeaderKey:     spec.RateLimitHeaderName,
			Capacity:      spec.Capacity,
			RatePerSecond: spec.RatePerSecond,
			Limit:         spec.Limit,
			WindowSeconds: spec.WindowSeconds,
			OnRejected:    b.OnRateLimited,
		}
		switch spec.RateLimitAlgorithm {
		case spireproxy.AlgoTokenBucket:
			rl.Algorithm = spireratelimit.TokenBucket
		case spireproxy.AlgoFixedWindow:
			rl.Algorithm = spireratelimit.FixedWindow
		}
		switch spec.RateLimitDimension {
		case spireproxy.DimensionGlobal:
			rl.Dimension = DimensionGlobal
		case spireproxy.DimensionClientIP:
			rl.Dimension = DimensionClientIP
		case spireproxy.DimensionHeaderValue:
			rl.Dimension = DimensionHeaderValue
		}
		return rl, nil

	case spireproxy.MwCircuitBreaker:
		return &CircuitBreakerMiddleware{Config: BreakerGateConfig{
			FailureThreshold: spec.BreakerFailureThreshold,
			WindowSeconds:    spec.BreakerWindowSeconds,
			CooldownSeconds:  spec.BreakerCooldownSeconds,
		}}, nil

	case spireproxy.MwCORS:
		return &CORSMiddleware{
			AllowOrigins: spec.CORSAllowOrigins,
			AllowMethods: spec.CORSAllowMethods,
			AllowHeaders: spec.CORSAllowHeaders,
		}, nil

	case spireproxy.MwRequestHeaders:
		return &RequestHeadersMiddleware{Set: spec.SetHeaders, Remove: spec.RemoveHeaders}, nil

	case spireproxy.MwRewriteHeaders:
		return &RewriteHeadersMiddleware{Set: spec.SetHeaders, Remove: spec.RemoveHeaders}, nil

	case spireproxy.MwPathRewrite:
		return &PathRewriteMiddleware{Spec: &spireproxy.RewriteSpec{From: spec.RewriteFrom, To: spec.RewriteTo}}, nil

	default:
		return nil, fmt.Errorf("unknown middleware kind %v", spec.Kind)
	}
}
