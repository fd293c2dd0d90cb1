package spireproxy

import "regexp"

// MiddlewareKind enumerates the middleware variants spec.md §4.6 names.
// A MiddlewareSpec is pure configuration; internal/spiremiddleware turns it
// into a live Middleware at snapshot-build time, mirroring how ForwardSpec
// is compiled before the request hot path ever sees it.
type MiddlewareKind int

const (
	MwForwardHeaders MiddlewareKind = iota
	MwAllowDenyList
	MwAuthentication
	MwRateLimit
	MwCircuitBreaker
	MwCORS
	MwRequestHeaders
	MwRewriteHeaders
	MwPathRewrite
)

// AuthKind distinguishes the Authentication middleware's variants.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBasic
	AuthJWT
)

// RateLimitDimension enumerates the keying dimensions spec.md §4.5 names.
type RateLimitDimension int

const (
	DimensionGlobal RateLimitDimension = iota
	DimensionClientIP
	DimensionHeaderValue
)

// RateLimitAlgorithm selects token-bucket or fixed-window semantics.
type RateLimitAlgorithm int

const (
	AlgoTokenBucket RateLimitAlgorithm = iota
	AlgoFixedWindow
)

// MiddlewareSpec is the tagged-variant configuration for one middleware
// entry in a Route's ordered list (spec.md §3/§4.6).
type MiddlewareSpec struct {
	Kind MiddlewareKind

	// allow_deny_list
	AllowCIDRs []string
	DenyCIDRs  []string

	// authentication
	AuthKind        AuthKind
	APIKeyHeaderOrQuery string
	APIKeyExpected      string
	BasicUser           string
	BasicPass           string
	JWTIssuer           string
	JWTJWKSURL          string
	JWTAudience         string

	// rate_limit
	RateLimitDimension  RateLimitDimension
	RateLimitAlgorithm  RateLimitAlgorithm
	RateLimitHeaderName string // only used when Dimension == DimensionHeaderValue
	Capacity            float64
	RatePerSecond       float64
	WindowSeconds       float64
	Limit               int

	// circuit_breaker
	BreakerFailureThreshold uint32
	BreakerWindowSeconds    float64
	BreakerCooldownSeconds  float64

	// cors
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string

	// request_headers / rewrite_headers
	SetHeaders    map[string]string
	RemoveHeaders []string

	// path_rewrite is also reachable directly off Route.PathRewrite; this
	// mirror lets it participate in declared middleware ordering when a
	// config explicitly places it there. The two are mutually exclusive
	// per route -- spireconfig rejects a document that sets both, since
	// applying both would rewrite the path twice.
	RewriteFrom *regexp.Regexp
	RewriteTo   string
}
