package spireconfig

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/pterx/spire/internal/spireerr"
	"github.com/pterx/spire/internal/spireproxy"
)

// Load reads path, decodes it as a Document, and compiles it into a
// RouteTable. A decode or compile failure returns spireerr.KindConfigInvalid
// so callers (CLI validate, hot-reload) can distinguish it from other
// errors without string matching (spec.md §7).
func Load(path string) (*spireproxy.RouteTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, spireerr.Wrap(spireerr.KindConfigInvalid, "reading config file "+path, err)
	}
	return Decode(raw)
}

// Decode parses raw YAML bytes and compiles the result. Exposed separately
// from Load so the admin API's PUT /config (spec.md §6) can validate a
// body without touching the filesystem.
func Decode(raw []byte) (*spireproxy.RouteTable, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, spireerr.Wrap(spireerr.KindConfigInvalid, "parsing yaml", err)
	}
	table, err := buildTable(&doc)
	if err != nil {
		return nil, spireerr.Wrap(spireerr.KindConfigInvalid, "building route table", err)
	}
	for _, srv := range table.Servers {
		if err := srv.Compile(); err != nil {
			return nil, spireerr.Wrap(spireerr.KindConfigInvalid, "compiling server "+srv.Name, err)
		}
	}
	return table, nil
}

func buildTable(doc *Document) (*spireproxy.RouteTable, error) {
	table := &spireproxy.RouteTable{Servers: make(map[string]*spireproxy.Server, len(doc.Servers))}
	endpoints := make(map[string]*spireproxy.Endpoint) // dedupe by identity string across the whole document

	for _, sd := range doc.Servers {
		srv, err := buildServer(&sd, endpoints)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", sd.Name, err)
		}
		table.Servers[srv.Name] = srv
	}
	return table, nil
}

func buildServer(sd *ServerDoc, endpoints map[string]*spireproxy.Endpoint) (*spireproxy.Server, error) {
	proto, err := parseProtocol(sd.Protocol)
	if err != nil {
		return nil, err
	}
	srv := &spireproxy.Server{
		Name:       sd.Name,
		ListenPort: sd.ListenPort,
		Protocol:   proto,
		TLSDomains: make(map[string]struct{}, len(sd.TLSDomains)),
	}
	for _, d := range sd.TLSDomains {
		srv.TLSDomains[d] = struct{}{}
	}
	for _, rd := range sd.Routes {
		route, err := buildRoute(&rd, endpoints)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rd.ID, err)
		}
		srv.Routes = append(srv.Routes, route)
	}
	return srv, nil
}

func parseProtocol(s string) (spireproxy.Protocol, error) {
	switch spireproxy.Protocol(s) {
	case spireproxy.ProtoHTTP1, spireproxy.ProtoHTTPS, spireproxy.ProtoHTTP2, spireproxy.ProtoHTTP2TLS, spireproxy.ProtoTCP:
		return spireproxy.Protocol(s), nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

func buildRoute(rd *RouteDoc, endpoints map[string]*spireproxy.Endpoint) (*spireproxy.Route, error) {
	matchers, err := buildMatchers(rd.Matchers)
	if err != nil {
		return nil, err
	}
	forward, err := buildForward(&rd.Forward, endpoints)
	if err != nil {
		return nil, err
	}
	middlewares, err := buildMiddlewares(rd.Middlewares)
	if err != nil {
		return nil, err
	}

	route := &spireproxy.Route{
		ID:          rd.ID,
		Matchers:    matchers,
		Forward:     forward,
		Middlewares: middlewares,
	}
	if rd.PathRewrite != nil {
		if hasPathRewriteMiddleware(middlewares) {
			return nil, fmt.Errorf("route %s: path_rewrite is configured both as a top-level field and as a middleware entry; configure it once", rd.ID)
		}
		rw, err := buildRewrite(rd.PathRewrite)
		if err != nil {
			return nil, err
		}
		route.PathRewrite = rw
	}
	if rd.HealthCheck != nil {
		route.HealthCheck = buildHealth(rd.HealthCheck)
	}
	if rd.Timeout != nil {
		route.Timeout = &spireproxy.TimeoutSpec{
			UpstreamTimeout: rd.Timeout.UpstreamTimeout,
			ConnectTimeout:  rd.Timeout.ConnectTimeout,
		}
	}
	return route, nil
}

func hasPathRewriteMiddleware(middlewares []spireproxy.MiddlewareSpec) bool {
	for _, m := range middlewares {
		if m.Kind == spireproxy.MwPathRewrite {
			return true
		}
	}
	return false
}

func buildMatchers(docs []MatcherDoc) ([]spireproxy.Matcher, error) {
	out := make([]spireproxy.Matcher, 0, len(docs))
	for _, d := range docs {
		switch {
		case d.Path != nil:
			kind, err := parsePathKind(d.Path.Kind)
			if err != nil {
				return nil, err
			}
			out = append(out, spireproxy.Matcher{Kind: spireproxy.MatchKindPath, PathKind: kind, Value: d.Path.Value})
		case d.Host != nil:
			out = append(out, spireproxy.Matcher{Kind: spireproxy.MatchKindHost, Value: *d.Host})
		case d.Header != nil:
			kind, err := parseHeaderKind(d.Header.Kind)
			if err != nil {
				return nil, err
			}
			out = append(out, spireproxy.Matcher{Kind: spireproxy.MatchKindHeader, Name: d.Header.Name, HeaderKind: kind, Value: d.Header.Value})
		case len(d.Methods) > 0:
			methods := make(map[string]struct{}, len(d.Methods))
			for _, m := range d.Methods {
				methods[m] = struct{}{}
			}
			out = append(out, spireproxy.Matcher{Kind: spireproxy.MatchKindMethod, Methods: methods})
		default:
			return nil, fmt.Errorf("matcher entry has no recognized variant set")
		}
	}
	return out, nil
}

func parsePathKind(s string) (spireproxy.PathKind, error) {
	switch s {
	case "prefix", "":
		return spireproxy.PathPrefix, nil
	case "exact":
		return spireproxy.PathExact, nil
	case "regex":
		return spireproxy.PathRegex, nil
	default:
		return 0, fmt.Errorf("unknown path matcher kind %q", s)
	}
}

func parseHeaderKind(s string) (spireproxy.HeaderKind, error) {
	switch s {
	case "exact", "":
		return spireproxy.HeaderExact, nil
	case "regex":
		return spireproxy.HeaderRegex, nil
	case "split":
		return spireproxy.HeaderSplit, nil
	default:
		return 0, fmt.Errorf("unknown header matcher kind %q", s)
	}
}

// internEndpoint parses "scheme://authority:port" and returns the same
// *Endpoint instance for repeated occurrences in one document, so Identity
// keys line up across a Route's forward spec and the health/breaker
// registries without recomputation.
func internEndpoint(spec string, endpoints map[string]*spireproxy.Endpoint) (*spireproxy.Endpoint, error) {
	if ep, ok := endpoints[spec]; ok {
		return ep, nil
	}
	m := endpointPattern.FindStringSubmatch(spec)
	if m == nil {
		return nil, fmt.Errorf("invalid endpoint address %q", spec)
	}
	port, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint port in %q: %w", spec, err)
	}
	ep := &spireproxy.Endpoint{Scheme: spireproxy.Scheme(m[1]), Authority: m[2], Port: port}
	endpoints[spec] = ep
	return ep, nil
}

func buildForward(fd *ForwardDoc, endpoints map[string]*spireproxy.Endpoint) (*spireproxy.ForwardSpec, error) {
	switch {
	case fd.Single != "":
		ep, err := internEndpoint(fd.Single, endpoints)
		if err != nil {
			return nil, err
		}
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardSingle, Single: ep}, nil

	case len(fd.Weighted) > 0:
		entries := make([]spireproxy.WeightedEntry, 0, len(fd.Weighted))
		for _, w := range fd.Weighted {
			ep, err := internEndpoint(w.Endpoint, endpoints)
			if err != nil {
				return nil, err
			}
			entries = append(entries, spireproxy.WeightedEntry{Endpoint: ep, Weight: w.Weight})
		}
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardWeighted, WeightedEntries: entries}, nil

	case len(fd.Poll) > 0:
		eps, err := internEndpoints(fd.Poll, endpoints)
		if err != nil {
			return nil, err
		}
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardPoll, PollEntries: eps}, nil

	case len(fd.Random) > 0:
		eps, err := internEndpoints(fd.Random, endpoints)
		if err != nil {
			return nil, err
		}
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardRandom, RandomEntries: eps}, nil

	case fd.HeaderBased != nil:
		entries := make([]spireproxy.HeaderEntry, 0, len(fd.HeaderBased.Entries))
		for _, e := range fd.HeaderBased.Entries {
			ep, err := internEndpoint(e.Endpoint, endpoints)
			if err != nil {
				return nil, err
			}
			entries = append(entries, spireproxy.HeaderEntry{HeaderValue: e.Value, Endpoint: ep})
		}
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardHeaderBased, HeaderName: fd.HeaderBased.HeaderName, HeaderEntries: entries}, nil

	case fd.File != nil:
		return &spireproxy.ForwardSpec{Kind: spireproxy.ForwardFile, RootPath: fd.File.RootPath, IndexFiles: fd.File.IndexFiles}, nil

	default:
		return nil, fmt.Errorf("forward entry has no recognized variant set")
	}
}

func internEndpoints(specs []string, endpoints map[string]*spireproxy.Endpoint) ([]*spireproxy.Endpoint, error) {
	out := make([]*spireproxy.Endpoint, 0, len(specs))
	for _, s := range specs {
		ep, err := internEndpoint(s, endpoints)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func buildRewrite(rd *RewriteDoc) (*spireproxy.RewriteSpec, error) {
	re, err := regexp.Compile(rd.From)
	if err != nil {
		return nil, fmt.Errorf("compiling rewrite pattern %q: %w", rd.From, err)
	}
	return &spireproxy.RewriteSpec{From: re, To: rd.To}, nil
}

func buildMiddlewares(docs []MiddlewareDoc) ([]spireproxy.MiddlewareSpec, error) {
	out := make([]spireproxy.MiddlewareSpec, 0, len(docs))
	for _, d := range docs {
		spec, err := buildMiddleware(&d)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func buildMiddleware(d *MiddlewareDoc) (spireproxy.MiddlewareSpec, error) {
	switch d.Kind {
	case "forward_headers":
		return spireproxy.MiddlewareSpec{Kind: spireproxy.MwForwardHeaders}, nil

	case "allow_deny_list":
		return spireproxy.MiddlewareSpec{Kind: spireproxy.MwAllowDenyList, AllowCIDRs: d.AllowCIDRs, DenyCIDRs: d.DenyCIDRs}, nil

	case "authentication":
		if d.Auth == nil {
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("authentication middleware missing auth block")
		}
		a := d.Auth
		spec := spireproxy.MiddlewareSpec{
			Kind:                spireproxy.MwAuthentication,
			APIKeyHeaderOrQuery: a.HeaderOrQuery,
			APIKeyExpected:      a.Expected,
			BasicUser:           a.User,
			BasicPass:           a.Pass,
			JWTIssuer:           a.Issuer,
			JWTJWKSURL:          a.JWKSURL,
			JWTAudience:         a.Audience,
		}
		switch a.Kind {
		case "api_key":
			spec.AuthKind = spireproxy.AuthAPIKey
		case "basic":
			spec.AuthKind = spireproxy.AuthBasic
		case "jwt":
			spec.AuthKind = spireproxy.AuthJWT
		default:
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("unknown auth kind %q", a.Kind)
		}
		return spec, nil

	case "rate_limit":
		if d.RateLimit == nil {
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("rate_limit middleware missing rate_limit block")
		}
		rl := d.RateLimit
		spec := spireproxy.MiddlewareSpec{
			Kind:                spireproxy.MwRateLimit,
			RateLimitHeaderName: rl.HeaderName,
			Capacity:            rl.Capacity,
			RatePerSecond:       rl.RatePerSec,
			WindowSeconds:       rl.WindowSecs,
			Limit:               rl.Limit,
		}
		switch rl.Dimension {
		case "global":
			spec.RateLimitDimension = spireproxy.DimensionGlobal
		case "client_ip", "":
			spec.RateLimitDimension = spireproxy.DimensionClientIP
		case "header_value":
			spec.RateLimitDimension = spireproxy.DimensionHeaderValue
		default:
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("unknown rate limit dimension %q", rl.Dimension)
		}
		switch rl.Algorithm {
		case "token_bucket", "":
			spec.RateLimitAlgorithm = spireproxy.AlgoTokenBucket
		case "fixed_window":
			spec.RateLimitAlgorithm = spireproxy.AlgoFixedWindow
		default:
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("unknown rate limit algorithm %q", rl.Algorithm)
		}
		return spec, nil

	case "circuit_breaker":
		if d.Breaker == nil {
			return spireproxy.MiddlewareSpec{Kind: spireproxy.MwCircuitBreaker}, nil
		}
		return spireproxy.MiddlewareSpec{
			Kind:                    spireproxy.MwCircuitBreaker,
			BreakerFailureThreshold: d.Breaker.FailureThreshold,
			BreakerWindowSeconds:    d.Breaker.WindowSeconds,
			BreakerCooldownSeconds:  d.Breaker.CooldownSeconds,
		}, nil

	case "cors":
		if d.CORS == nil {
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("cors middleware missing cors block")
		}
		return spireproxy.MiddlewareSpec{
			Kind:             spireproxy.MwCORS,
			CORSAllowOrigins: d.CORS.AllowOrigins,
			CORSAllowMethods: d.CORS.AllowMethods,
			CORSAllowHeaders: d.CORS.AllowHeaders,
		}, nil

	case "request_headers":
		return spireproxy.MiddlewareSpec{Kind: spireproxy.MwRequestHeaders, SetHeaders: d.SetHeaders, RemoveHeaders: d.RemoveHeaders}, nil

	case "rewrite_headers":
		return spireproxy.MiddlewareSpec{Kind: spireproxy.MwRewriteHeaders, SetHeaders: d.SetHeaders, RemoveHeaders: d.RemoveHeaders}, nil

	case "path_rewrite":
		if d.Rewrite == nil {
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("path_rewrite middleware missing rewrite block")
		}
		re, err := regexp.Compile(d.Rewrite.From)
		if err != nil {
			return spireproxy.MiddlewareSpec{}, fmt.Errorf("compiling rewrite pattern %q: %w", d.Rewrite.From, err)
		}
		return spireproxy.MiddlewareSpec{Kind: spireproxy.MwPathRewrite, RewriteFrom: re, RewriteTo: d.Rewrite.To}, nil

	default:
		return spireproxy.MiddlewareSpec{}, fmt.Errorf("unknown middleware kind %q", d.Kind)
	}
}

func buildHealth(hd *HealthDoc) *spireproxy.HealthSpec {
	passiveOnly5xx := true
	if hd.PassiveOnly5xx != nil {
		passiveOnly5xx = *hd.PassiveOnly5xx
	}
	return &spireproxy.HealthSpec{
		Path:               hd.Path,
		Interval:           hd.Interval,
		Timeout:            hd.Timeout,
		UnhealthyThreshold: hd.UnhealthyThreshold,
		HealthyThreshold:   hd.HealthyThreshold,
		TCP:                hd.TCP,
		PassiveOnly5xx:     passiveOnly5xx,
	}
}
