package spireadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pterx/spire/internal/spirecontrol"
	"github.com/pterx/spire/internal/spiredispatch"
	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spirelisten"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
)

func newTestServer() *Server {
	store := &spireproxy.Store{}
	health := spirehealth.NewRegistry(time.Minute)
	dispatcher := spiredispatch.NewDispatcher(health, nil, nil)
	builder := spiremiddleware.NewBuilder(nil, nil)
	listen := spirelisten.NewManager(store, dispatcher, builder, nil, nil, zap.NewNop())
	bus := spirecontrol.NewBus(context.Background(), store, listen, health, nil, zap.NewNop())
	return NewServer(store, bus, prometheus.NewRegistry(), zap.NewNop())
}

func TestHandleHealthReturns503BeforeFirstSnapshot(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthReturns200AfterSnapshotPublished(t *testing.T) {
	s := newTestServer()
	s.Store.Swap(&spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestHandleConfigGetReturnsJSONProjection(t *testing.T) {
	s := newTestServer()
	s.Store.Swap(&spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{
		"edge": {
			Name:       "edge",
			ListenPort: 8080,
			Protocol:   spireproxy.ProtoHTTP1,
			Routes:     []*spireproxy.Route{{ID: "r1"}},
		},
	}})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view configView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint16(8080), view.Servers["edge"].ListenPort)
	require.Equal(t, []string{"r1"}, view.Servers["edge"].RouteIDs)
}

func TestHandleConfigPutRejectsInvalidYAMLWith422WithoutDisturbingSnapshot(t *testing.T) {
	s := newTestServer()
	original := &spireproxy.RouteTable{Servers: map[string]*spireproxy.Server{}}
	s.Store.Swap(original)

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader("not: [valid"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Same(t, original, s.Store.Load(), "a bad PUT must not replace the active snapshot")
}

func TestHandleConfigPutPublishesValidYAML(t *testing.T) {
	s := newTestServer()
	body := `
servers:
  - name: edge
    listen_port: 29090
    protocol: HTTP1
    routes:
      - id: r1
        matchers: [{path: {kind: prefix, value: /}}]
        forward:
          single: "http://10.0.0.1:9000"
`
	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, s.Store.Load())
	require.Contains(t, s.Store.Load().Servers, "edge")

	s.Bus.Listen.Shutdown(time.Second)
}

func TestHandleConfigRejectsUnsupportedMethod(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
