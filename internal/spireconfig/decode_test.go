package spireconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pterx/spire/internal/spireproxy"
)

const sampleYAML = `
servers:
  - name: edge
    listen_port: 8443
    protocol: HTTPS
    tls_domains: ["a.example", "b.example"]
    routes:
      - id: api
        matchers:
          - path: {kind: prefix, value: /api/}
          - methods: [GET, POST]
        forward:
          weighted:
            - {endpoint: "http://10.0.0.1:9000", weight: 70}
            - {endpoint: "http://10.0.0.2:9000", weight: 30}
        middlewares:
          - kind: rate_limit
            rate_limit:
              dimension: client_ip
              algorithm: token_bucket
              capacity: 10
              rate_per_second: 5
          - kind: circuit_breaker
            circuit_breaker:
              failure_threshold: 5
              window_seconds: 10
              cooldown_seconds: 30
        health_check:
          path: /healthz
          unhealthy_threshold: 3
          healthy_threshold: 2
      - id: catchall
        matchers:
          - path: {kind: prefix, value: /}
        forward:
          single: "http://10.0.0.1:9000"
`

func TestDecodeBuildsCompiledRouteTable(t *testing.T) {
	table, err := Decode([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, table.Servers, 1)

	srv := table.Servers["edge"]
	require.NotNil(t, srv)
	require.Equal(t, spireproxy.ProtoHTTPS, srv.Protocol)
	require.Contains(t, srv.TLSDomains, "a.example")
	require.Len(t, srv.Routes, 2)

	api := srv.Routes[0]
	require.Equal(t, "api", api.ID)
	require.Equal(t, spireproxy.ForwardWeighted, api.Forward.Kind)
	require.Len(t, api.Forward.WeightedEntries, 2)
	require.NotNil(t, api.HealthCheck)
	require.Equal(t, 3, api.HealthCheck.UnhealthyThreshold)

	require.Len(t, api.Middlewares, 2)
	require.Equal(t, spireproxy.MwRateLimit, api.Middlewares[0].Kind)
	require.Equal(t, spireproxy.MwCircuitBreaker, api.Middlewares[1].Kind)
	require.Equal(t, uint32(5), api.Middlewares[1].BreakerFailureThreshold)
	require.Equal(t, 30.0, api.Middlewares[1].BreakerCooldownSeconds)
}

func TestDecodeInternsRepeatedEndpointsToSameIdentity(t *testing.T) {
	table, err := Decode([]byte(sampleYAML))
	require.NoError(t, err)

	srv := table.Servers["edge"]
	weighted := srv.Routes[0].Forward.WeightedEntries
	single := srv.Routes[1].Forward.Single

	var sharedFromWeighted *spireproxy.Endpoint
	for _, e := range weighted {
		if e.Endpoint.Identity() == "http://10.0.0.1:9000" {
			sharedFromWeighted = e.Endpoint
		}
	}
	require.NotNil(t, sharedFromWeighted)
	require.Same(t, sharedFromWeighted, single, "repeated endpoint specs across routes must intern to the same *Endpoint")
}

func TestDecodeRejectsUnknownProtocol(t *testing.T) {
	_, err := Decode([]byte(`
servers:
  - name: bad
    listen_port: 80
    protocol: CARRIER_PIGEON
    routes: []
`))
	require.Error(t, err)
}

func TestDecodeRejectsMalformedEndpointSpec(t *testing.T) {
	_, err := Decode([]byte(`
servers:
  - name: edge
    listen_port: 80
    protocol: HTTP1
    routes:
      - id: r
        matchers: [{path: {kind: prefix, value: /}}]
        forward:
          single: "not-a-url"
`))
	require.Error(t, err)
}

func TestDecodeRejectsPathRewriteConfiguredBothAsFieldAndMiddleware(t *testing.T) {
	_, err := Decode([]byte(`
servers:
  - name: edge
    listen_port: 80
    protocol: HTTP1
    routes:
      - id: r
        matchers: [{path: {kind: prefix, value: /}}]
        forward:
          single: "http://10.0.0.1:9000"
        path_rewrite: {from: "^/old", to: "/new"}
        middlewares:
          - kind: path_rewrite
            rewrite: {from: "^/old", to: "/new"}
`))
	require.Error(t, err, "configuring path_rewrite both ways would rewrite the path twice")
}

func TestDecodeRejectsInvalidPathRegex(t *testing.T) {
	_, err := Decode([]byte(`
servers:
  - name: edge
    listen_port: 80
    protocol: HTTP1
    routes:
      - id: r
        matchers: [{path: {kind: regex, value: "["}}]
        forward:
          single: "http://10.0.0.1:9000"
`))
	require.Error(t, err)
}
