package spiremiddleware

import (
	"net/http"

	"github.com/pterx/spire/internal/spireproxy"
)

// PathRewriteMiddleware computes the outgoing request path from the
// incoming one by pattern replacement before dispatch (spec.md §4.7).
type PathRewriteMiddleware struct {
	Spec *spireproxy.RewriteSpec
}

func (PathRewriteMiddleware) Name() string { return "path_rewrite" }

func (m *PathRewriteMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	r.URL.Path = m.Spec.Rewrite(r.URL.Path)
	return Outcome{Decision: Continue}, nil
}

func (*PathRewriteMiddleware) OnResponse(*Context, *ResponseFacts) {}
