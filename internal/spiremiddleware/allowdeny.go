package spiremiddleware

import (
	"net"
	"net/http"
)

// AllowDenyListMiddleware evaluates CIDR allow/deny lists against the
// client IP. Deny wins over allow when both match (spec.md §4.6).
type AllowDenyListMiddleware struct {
	Allow []*net.IPNet
	Deny  []*net.IPNet
}

// NewAllowDenyListMiddleware compiles CIDR strings once at provision time.
func NewAllowDenyListMiddleware(allowCIDRs, denyCIDRs []string) (*AllowDenyListMiddleware, error) {
	allow, err := compileCIDRs(allowCIDRs)
	if err != nil {
		return nil, err
	}
	deny, err := compileCIDRs(denyCIDRs)
	if err != nil {
		return nil, err
	}
	return &AllowDenyListMiddleware{Allow: allow, Deny: deny}, nil
}

func compileCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (AllowDenyListMiddleware) Name() string { return "allow_deny_list" }

func (m *AllowDenyListMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	ip := net.ParseIP(ctx.ClientIP)
	if ip == nil {
		return Outcome{Decision: Continue}, nil
	}
	if matchesAny(ip, m.Deny) {
		return denyOutcome(), nil
	}
	if len(m.Allow) > 0 && !matchesAny(ip, m.Allow) {
		return denyOutcome(), nil
	}
	return Outcome{Decision: Continue}, nil
}

func denyOutcome() Outcome {
	return Outcome{
		Decision:   ShortCircuit,
		StatusCode: http.StatusForbidden,
		Header:     make(http.Header),
		Body:       []byte("access denied\n"),
	}
}

func matchesAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (*AllowDenyListMiddleware) OnResponse(*Context, *ResponseFacts) {}
