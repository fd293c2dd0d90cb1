package spirelisten

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pterx/spire/internal/spiredispatch"
	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
)

func newTestManager() *Manager {
	health := spirehealth.NewRegistry(time.Minute)
	dispatcher := spiredispatch.NewDispatcher(health, nil, nil)
	builder := spiremiddleware.NewBuilder(nil, nil)
	return NewManager(nil, dispatcher, builder, nil, nil, zap.NewNop())
}

func freePort(t *testing.T) uint16 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return uint16(port)
}

func TestReconcileStartsAndLeavesUnchangedListenersRunning(t *testing.T) {
	m := newTestManager()
	port := freePort(t)
	table := &spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{
		"edge": {Name: "edge", ListenPort: port, Protocol: spireproxy.ProtoHTTP1},
	}}

	require.NoError(t, m.Reconcile(table))
	m.mu.Lock()
	require.Len(t, m.byKey, 1)
	first := m.byKey[listenKey{port: port, protocol: spireproxy.ProtoHTTP1}]
	m.mu.Unlock()
	require.NotNil(t, first)

	// Reconciling the identical table again must not replace the running listener.
	require.NoError(t, m.Reconcile(table))
	m.mu.Lock()
	second := m.byKey[listenKey{port: port, protocol: spireproxy.ProtoHTTP1}]
	m.mu.Unlock()
	require.Same(t, first, second)

	m.Shutdown(time.Second)
}

func TestReconcileDrainsRemovedListeners(t *testing.T) {
	m := newTestManager()
	port := freePort(t)
	table := &spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{
		"edge": {Name: "edge", ListenPort: port, Protocol: spireproxy.ProtoHTTP1},
	}}
	require.NoError(t, m.Reconcile(table))

	empty := &spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{}}
	require.NoError(t, m.Reconcile(empty))

	m.mu.Lock()
	_, stillPresent := m.byKey[listenKey{port: port, protocol: spireproxy.ProtoHTTP1}]
	m.mu.Unlock()
	require.False(t, stillPresent, "reconcile must remove the listener entry immediately, draining happens async")
}

func TestReconcileCompilesChainOncePerRouteAndReusesItAcrossRequests(t *testing.T) {
	m := newTestManager()
	port := freePort(t)
	route := &spireproxy.Route{
		ID:       "r1",
		Matchers: []spireproxy.Matcher{{Kind: spireproxy.MatchKindPath, PathKind: spireproxy.PathPrefix, Value: "/"}},
		Middlewares: []spireproxy.MiddlewareSpec{
			{Kind: spireproxy.MwForwardHeaders},
		},
	}
	table := &spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{
		"edge": {Name: "edge", ListenPort: port, Protocol: spireproxy.ProtoHTTP1, Routes: []*spireproxy.Route{route}},
	}}

	require.NoError(t, m.Reconcile(table))
	chain, ok := m.chainFor(route)
	require.True(t, ok)
	require.Len(t, chain, 1)

	// Looking the same route up again must return the identical compiled
	// slice header rather than rebuilding it.
	again, ok := m.chainFor(route)
	require.True(t, ok)
	require.Same(t, &chain[0], &again[0])

	m.Shutdown(time.Second)
}

func TestFirstMatchingRouteReturnsNilWhenNothingMatches(t *testing.T) {
	srv := &spireproxy.Server{Routes: []*spireproxy.Route{
		{ID: "only", Matchers: []spireproxy.Matcher{{Kind: spireproxy.MatchKindHost, Value: "specific.example"}}},
	}}
	got := firstMatchingRoute(srv, &spireproxy.RequestFacts{Host: "other.example"})
	require.Nil(t, got)
}

func TestFirstMatchingRouteReturnsFirstHit(t *testing.T) {
	a := &spireproxy.Route{ID: "a", Matchers: []spireproxy.Matcher{{Kind: spireproxy.MatchKindHost, Value: "x.example"}}}
	b := &spireproxy.Route{ID: "b", Matchers: []spireproxy.Matcher{{Kind: spireproxy.MatchKindHost, Value: "x.example"}}}
	srv := &spireproxy.Server{Routes: []*spireproxy.Route{a, b}}
	got := firstMatchingRoute(srv, &spireproxy.RequestFacts{Host: "x.example"})
	require.Equal(t, "a", got.ID)
}
