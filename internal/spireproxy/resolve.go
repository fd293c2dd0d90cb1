package spireproxy

import "github.com/pterx/spire/internal/spireerr"

// Resolve implements C2's contract: resolve(request, server) -> Route |
// NoMatch. Routes are tried in declared order; the first one whose
// Matchers all hold wins (spec.md §4.1). NoMatch is surfaced by the caller
// as spireerr.KindNoRouteMatched.
func Resolve(req *RequestFacts, srv *Server) (*Route, error) {
	for _, r := range srv.Routes {
		if r.Matches(req) {
			return r, nil
		}
	}
	return nil, spireerr.New(spireerr.KindNoRouteMatched, "no route matched "+req.Method+" "+req.Path)
}
