package spiredispatch

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pterx/spire/internal/spirebreaker"
	"github.com/pterx/spire/internal/spireerr"
	"github.com/pterx/spire/internal/spireproxy"
)

// BridgeTCP implements the TCP half of C8: select an endpoint for a raw
// connection and copy bytes bidirectionally, propagating half-close so a
// client or upstream that shuts down its write side doesn't hang the other
// direction open forever (spec.md §4.7's TCP bridging requirement).
func (d *Dispatcher) BridgeTCP(client net.Conn, route *spireproxy.Route, connectTimeout time.Duration) error {
	defer client.Close()

	endpoint, err := spireproxy.Select(route.Forward, nil, d.Health)
	if err != nil {
		return err
	}
	key := endpoint.Identity()
	d.Health.Touch(key)

	dial := func() (net.Conn, error) {
		dialer := &net.Dialer{Timeout: connectTimeout}
		return dialer.Dial("tcp", net.JoinHostPort(endpoint.Authority, strconv.Itoa(endpoint.Port)))
	}

	var upstream net.Conn
	run := func() error {
		var dialErr error
		upstream, dialErr = dial()
		if dialErr != nil {
			return spireerr.Wrap(spireerr.KindUpstreamConnectFailed, "tcp dial failed", dialErr)
		}
		return nil
	}

	if route.HealthCheck != nil {
		cfg := spirebreaker.Config{}
		err = spirebreaker.Allow(d.Breakers, key, cfg, run)
	} else {
		err = run()
	}
	if err != nil {
		// A breaker rejection never dialed the endpoint; it is not a backend failure.
		if se, ok := spireerr.As(err); !ok || se.Kind != spireerr.KindBreakerOpen {
			d.Health.RecordPassive(key, false)
		}
		return err
	}
	defer upstream.Close()

	errc := make(chan error, 2)
	go func() {
		_, copyErr := io.Copy(upstream, client)
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errc <- copyErr
	}()
	go func() {
		_, copyErr := io.Copy(client, upstream)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errc <- copyErr
	}()

	firstErr := <-errc
	secondErr := <-errc
	d.Health.RecordPassive(key, firstErr == nil && secondErr == nil)
	if firstErr != nil {
		return firstErr
	}
	return secondErr
}
