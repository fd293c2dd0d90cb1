package spiremiddleware

import "net/http"

// CircuitBreakerMiddleware is a configuration marker in the declared
// middleware order: it stashes the route's breaker settings onto Context
// for the dispatch step to enforce once the target endpoint is known (see
// Context.BreakerConfig's doc comment). It never short-circuits itself.
type CircuitBreakerMiddleware struct {
	Config BreakerGateConfig
}

func (CircuitBreakerMiddleware) Name() string { return "circuit_breaker" }

func (m *CircuitBreakerMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	cfg := m.Config
	ctx.BreakerConfig = &cfg
	return Outcome{Decision: Continue}, nil
}

func (*CircuitBreakerMiddleware) OnResponse(*Context, *ResponseFacts) {}
