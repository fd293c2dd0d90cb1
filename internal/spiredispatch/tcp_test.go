package spiredispatch

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spireproxy"
)

func TestBridgeTCPCopiesBothDirectionsAndReportsHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		conn.Write([]byte("echo:" + line))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	endpoint := &spireproxy.Endpoint{Scheme: spireproxy.SchemeTCP, Authority: host, Port: port}
	forward := &spireproxy.ForwardSpec{Kind: spireproxy.ForwardSingle, Single: endpoint}
	require.NoError(t, forward.Compile())
	route := &spireproxy.Route{ID: "tcp-route", Forward: forward}

	clientSide, serverSide := net.Pipe()

	d := NewDispatcher(spirehealth.NewRegistry(time.Minute), nil, nil)

	go func() {
		clientSide.Write([]byte("hello\n"))
	}()

	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- d.BridgeTCP(serverSide, route, time.Second)
	}()

	buf := make([]byte, 64)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "echo:hello\n", string(buf[:n]))

	clientSide.Close()
	<-upstreamDone
	<-bridgeErr

	require.True(t, d.Health.IsHealthy(endpoint.Identity()))
}
