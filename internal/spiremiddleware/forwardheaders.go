package spiremiddleware

import (
	"net/http"

	"github.com/google/uuid"
)

// ForwardHeadersMiddleware sets X-Real-IP, appends to X-Forwarded-For, and
// stamps X-Request-Id when the client didn't already supply one (spec.md
// §4.6). It never short-circuits and has no response phase.
type ForwardHeadersMiddleware struct{}

func (ForwardHeadersMiddleware) Name() string { return "forward_headers" }

func (ForwardHeadersMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	r.Header.Set("X-Real-IP", ctx.ClientIP)
	if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
		r.Header.Set("X-Forwarded-For", existing+", "+ctx.ClientIP)
	} else {
		r.Header.Set("X-Forwarded-For", ctx.ClientIP)
	}
	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", uuid.NewString())
	}
	return Outcome{Decision: Continue}, nil
}

func (ForwardHeadersMiddleware) OnResponse(*Context, *ResponseFacts) {}
