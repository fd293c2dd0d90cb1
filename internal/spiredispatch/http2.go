package spiredispatch

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// h2cTransport returns an HTTP/2 transport over cleartext TCP, used for
// Scheme grpc endpoints that don't terminate TLS at the proxy (spec.md
// §4.7's HTTP/2 multiplexed path). Trailers (grpc-status, grpc-message) ride
// through http.Response.Trailer unchanged since net/http's Transport
// already exposes HTTP/2 trailers that way; no separate passthrough code is
// needed beyond not stripping them in stripHopHeaders, which it doesn't.
func h2cTransport(connectTimeout time.Duration) *http2.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

// h2Transport returns an HTTP/2-over-TLS transport for grpc endpoints that
// do terminate TLS, negotiated via ALPN "h2".
func h2Transport(connectTimeout time.Duration) *http2.Transport {
	return &http2.Transport{
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2"},
		},
	}
}

func (d *Dispatcher) grpcTransportFor(connectTimeout time.Duration, tlsTerminated bool) http.RoundTripper {
	key := "grpc:" + connectTimeout.String()
	if tlsTerminated {
		key += ":tls"
	}
	d.transportsMu.Lock()
	defer d.transportsMu.Unlock()
	if rt, ok := d.grpcTransports[key]; ok {
		return rt
	}
	var rt http.RoundTripper
	if tlsTerminated {
		rt = h2Transport(connectTimeout)
	} else {
		rt = h2cTransport(connectTimeout)
	}
	if d.grpcTransports == nil {
		d.grpcTransports = make(map[string]http.RoundTripper)
	}
	d.grpcTransports[key] = rt
	return rt
}
