package spiremiddleware

import (
	"net/http"
	"strings"
)

// CORSMiddleware answers preflight requests and attaches
// Access-Control-Allow-* headers on every response (spec.md §4.6).
type CORSMiddleware struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
}

func (CORSMiddleware) Name() string { return "cors" }

func (m *CORSMiddleware) allowOrigin(origin string) string {
	for _, o := range m.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return o
		}
	}
	return ""
}

func (m *CORSMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	ctx.set("request_origin", r.Header.Get("Origin"))
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h := make(http.Header)
		m.applyCORSHeaders(h, r.Header.Get("Origin"))
		return Outcome{
			Decision:   ShortCircuit,
			StatusCode: http.StatusNoContent,
			Header:     h,
		}, nil
	}
	return Outcome{Decision: Continue}, nil
}

func (m *CORSMiddleware) applyCORSHeaders(h http.Header, origin string) {
	if allowed := m.allowOrigin(origin); allowed != "" {
		h.Set("Access-Control-Allow-Origin", allowed)
	}
	if len(m.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(m.AllowMethods, ", "))
	}
	if len(m.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(m.AllowHeaders, ", "))
	}
}

func (m *CORSMiddleware) OnResponse(ctx *Context, resp *ResponseFacts) {
	origin, _ := ctx.Values["request_origin"].(string)
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	m.applyCORSHeaders(resp.Header, origin)
}
