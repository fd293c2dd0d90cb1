package spireproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePrefixRouting(t *testing.T) {
	apiRoute := &Route{ID: "api", Matchers: []Matcher{{Kind: MatchKindPath, PathKind: PathPrefix, Value: "/api/"}}}
	catchAll := &Route{ID: "catchall", Matchers: []Matcher{{Kind: MatchKindPath, PathKind: PathPrefix, Value: "/"}}}
	srv := &Server{Name: "s", Routes: []*Route{apiRoute, catchAll}}

	got, err := Resolve(&RequestFacts{Method: "GET", Path: "/api/widgets"}, srv)
	require.NoError(t, err)
	require.Equal(t, "api", got.ID)

	got, err = Resolve(&RequestFacts{Method: "GET", Path: "/static/app.js"}, srv)
	require.NoError(t, err)
	require.Equal(t, "catchall", got.ID)
}

func TestResolveNoMatch(t *testing.T) {
	srv := &Server{Name: "s", Routes: []*Route{
		{ID: "only", Matchers: []Matcher{{Kind: MatchKindPath, PathKind: PathExact, Value: "/only"}}},
	}}
	_, err := Resolve(&RequestFacts{Method: "GET", Path: "/other"}, srv)
	require.Error(t, err)
}

func TestMatcherAllMustHold(t *testing.T) {
	r := &Route{Matchers: []Matcher{
		{Kind: MatchKindPath, PathKind: PathPrefix, Value: "/admin"},
		{Kind: MatchKindMethod, Methods: map[string]struct{}{"POST": {}}},
	}}
	require.False(t, r.Matches(&RequestFacts{Method: "GET", Path: "/admin/users"}))
	require.True(t, r.Matches(&RequestFacts{Method: "POST", Path: "/admin/users"}))
}

func TestHeaderSplitMatcher(t *testing.T) {
	m := Matcher{Kind: MatchKindHeader, Name: "Accept-Encoding", HeaderKind: HeaderSplit, Value: "gzip"}
	require.True(t, m.matches(&RequestFacts{Headers: map[string][]string{"Accept-Encoding": {"br, gzip, deflate"}}}))
	require.False(t, m.matches(&RequestFacts{Headers: map[string][]string{"Accept-Encoding": {"br, deflate"}}}))
}

func TestServerCompileRejectsBadRegex(t *testing.T) {
	srv := &Server{Routes: []*Route{
		{ID: "bad", Matchers: []Matcher{{Kind: MatchKindPath, PathKind: PathRegex, Value: "["}}},
	}}
	require.Error(t, srv.Compile())
}

func TestEndpointIdentityStable(t *testing.T) {
	e := &Endpoint{Scheme: SchemeHTTP, Authority: "10.0.0.1", Port: 8080}
	first := e.Identity()
	require.Equal(t, first, e.Identity())
	require.Equal(t, "http://10.0.0.1:8080", first)
}
