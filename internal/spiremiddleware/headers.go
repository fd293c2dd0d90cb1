package spiremiddleware

import "net/http"

// RequestHeadersMiddleware adds/removes/overrides named headers on the
// outgoing request before dispatch (spec.md §4.6).
type RequestHeadersMiddleware struct {
	Set    map[string]string
	Remove []string
}

func (RequestHeadersMiddleware) Name() string { return "request_headers" }

func (m *RequestHeadersMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	for _, name := range m.Remove {
		r.Header.Del(name)
	}
	for name, value := range m.Set {
		r.Header.Set(name, value)
	}
	return Outcome{Decision: Continue}, nil
}

func (*RequestHeadersMiddleware) OnResponse(*Context, *ResponseFacts) {}

// RewriteHeadersMiddleware adds/removes/overrides named headers on the
// response before it is written to the client (spec.md §4.6).
type RewriteHeadersMiddleware struct {
	Set    map[string]string
	Remove []string
}

func (RewriteHeadersMiddleware) Name() string { return "rewrite_headers" }

func (*RewriteHeadersMiddleware) OnRequest(*Context, *http.Request) (Outcome, error) {
	return Outcome{Decision: Continue}, nil
}

func (m *RewriteHeadersMiddleware) OnResponse(ctx *Context, resp *ResponseFacts) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for _, name := range m.Remove {
		resp.Header.Del(name)
	}
	for name, value := range m.Set {
		resp.Header.Set(name, value)
	}
}
