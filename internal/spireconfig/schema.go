// Package spireconfig decodes the YAML document described in spec.md §6
// into spireproxy's data model and compiles it into an immutable
// RouteTable snapshot. Decoding and hot-reload watching are grounded on
// ariadne's RuntimeConfigManager/HotReloadSystem in
// packages/engine/config/runtime.go, which pairs gopkg.in/yaml.v3 with
// fsnotify the same way.
package spireconfig

import "regexp"

// Document is the top-level YAML shape (spec.md §6: "shape is given by the
// Route/Server/Matcher/ForwardSpec/Middleware schema in §3").
type Document struct {
	Servers []ServerDoc `yaml:"servers"`
}

// ServerDoc mirrors spireproxy.Server.
type ServerDoc struct {
	Name       string     `yaml:"name"`
	ListenPort uint16     `yaml:"listen_port"`
	Protocol   string     `yaml:"protocol"` // HTTP1|HTTPS|HTTP2|HTTP2TLS|TCP
	TLSDomains []string   `yaml:"tls_domains,omitempty"`
	Routes     []RouteDoc `yaml:"routes"`
}

// RouteDoc mirrors spireproxy.Route.
type RouteDoc struct {
	ID          string          `yaml:"id"`
	Matchers    []MatcherDoc    `yaml:"matchers"`
	Forward     ForwardDoc      `yaml:"forward"`
	Middlewares []MiddlewareDoc `yaml:"middlewares,omitempty"`
	PathRewrite *RewriteDoc     `yaml:"path_rewrite,omitempty"`
	HealthCheck *HealthDoc      `yaml:"health_check,omitempty"`
	Timeout     *TimeoutDoc     `yaml:"timeout,omitempty"`
}

// MatcherDoc is a tagged union keyed by which field is set, decoded
// explicitly in decode.go rather than relying on YAML tag inference, since
// spec.md's Matcher is a tagged variant (§3) and yaml.v3 has no native sum
// type support.
type MatcherDoc struct {
	Path    *PathMatcherDoc   `yaml:"path,omitempty"`
	Host    *string           `yaml:"host,omitempty"`
	Header  *HeaderMatcherDoc `yaml:"header,omitempty"`
	Methods []string          `yaml:"methods,omitempty"`
}

type PathMatcherDoc struct {
	Kind  string `yaml:"kind"` // prefix|exact|regex
	Value string `yaml:"value"`
}

type HeaderMatcherDoc struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"` // exact|regex|split
	Value string `yaml:"value"`
}

// ForwardDoc is a tagged union over spireproxy.ForwardKind.
type ForwardDoc struct {
	Single      string              `yaml:"single,omitempty"`
	Weighted    []WeightedEntryDoc  `yaml:"weighted,omitempty"`
	Poll        []string            `yaml:"poll,omitempty"`
	Random      []string            `yaml:"random,omitempty"`
	HeaderBased *HeaderBasedDoc     `yaml:"header_based,omitempty"`
	File        *FileForwardDoc     `yaml:"file,omitempty"`
}

type WeightedEntryDoc struct {
	Endpoint string `yaml:"endpoint"`
	Weight   uint32 `yaml:"weight"`
}

type HeaderBasedDoc struct {
	HeaderName string             `yaml:"header_name"`
	Entries    []HeaderEntryDoc   `yaml:"entries"`
}

type HeaderEntryDoc struct {
	Value    string `yaml:"value"`
	Endpoint string `yaml:"endpoint"`
}

type FileForwardDoc struct {
	RootPath   string   `yaml:"root_path"`
	IndexFiles []string `yaml:"index_files,omitempty"`
}

// MiddlewareDoc is a tagged union over spireproxy.MiddlewareKind, one field
// populated per declared kind name.
type MiddlewareDoc struct {
	Kind string `yaml:"kind"`

	AllowCIDRs []string `yaml:"allow_cidrs,omitempty"`
	DenyCIDRs  []string `yaml:"deny_cidrs,omitempty"`

	Auth *AuthDoc `yaml:"auth,omitempty"`

	RateLimit *RateLimitDoc `yaml:"rate_limit,omitempty"`

	Breaker *BreakerDoc `yaml:"circuit_breaker,omitempty"`

	CORS *CORSDoc `yaml:"cors,omitempty"`

	SetHeaders    map[string]string `yaml:"set_headers,omitempty"`
	RemoveHeaders []string          `yaml:"remove_headers,omitempty"`

	Rewrite *RewriteDoc `yaml:"rewrite,omitempty"`
}

type AuthDoc struct {
	Kind string `yaml:"kind"` // api_key|basic|jwt

	HeaderOrQuery string `yaml:"header_or_query,omitempty"`
	Expected      string `yaml:"expected,omitempty"`

	User string `yaml:"user,omitempty"`
	Pass string `yaml:"pass,omitempty"`

	Issuer   string `yaml:"issuer,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

type RateLimitDoc struct {
	Dimension   string  `yaml:"dimension"` // global|client_ip|header_value
	HeaderName  string  `yaml:"header_name,omitempty"`
	Algorithm   string  `yaml:"algorithm"` // token_bucket|fixed_window
	Capacity    float64 `yaml:"capacity,omitempty"`
	RatePerSec  float64 `yaml:"rate_per_second,omitempty"`
	Limit       int     `yaml:"limit,omitempty"`
	WindowSecs  float64 `yaml:"window_seconds,omitempty"`
}

type BreakerDoc struct {
	FailureThreshold uint32  `yaml:"failure_threshold,omitempty"`
	WindowSeconds    float64 `yaml:"window_seconds,omitempty"`
	CooldownSeconds  float64 `yaml:"cooldown_seconds,omitempty"`
}

type CORSDoc struct {
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
	AllowMethods []string `yaml:"allow_methods,omitempty"`
	AllowHeaders []string `yaml:"allow_headers,omitempty"`
}

type RewriteDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type HealthDoc struct {
	Path               string  `yaml:"path,omitempty"`
	Interval           float64 `yaml:"interval_seconds,omitempty"`
	Timeout            float64 `yaml:"timeout_seconds,omitempty"`
	UnhealthyThreshold int     `yaml:"unhealthy_threshold,omitempty"`
	HealthyThreshold   int     `yaml:"healthy_threshold,omitempty"`
	TCP                bool    `yaml:"tcp,omitempty"`
	PassiveOnly5xx     *bool   `yaml:"passive_only_5xx,omitempty"`
}

type TimeoutDoc struct {
	UpstreamTimeout float64 `yaml:"upstream_timeout_secs,omitempty"`
	ConnectTimeout  float64 `yaml:"connect_timeout_secs,omitempty"`
}

var endpointPattern = regexp.MustCompile(`^(https?|grpc|tcp)://([^:/]+):(\d+)$`)
