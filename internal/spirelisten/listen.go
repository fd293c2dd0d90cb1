// Package spirelisten implements C9: one accept loop per configured
// listener, TLS handshake and ALPN-based protocol classification, and
// graceful reload when a RouteTable swap changes the set of listeners. The
// one-goroutine-per-server startup pattern and the shared WaitGroup/error
// channel are grounded on startServers in caddy/caddy.go; panic recovery per
// connection goroutine is grounded on the teacher's recover() use in
// modules/caddyhttp/caddyhttp.go's ServeHTTP.
package spirelisten

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pterx/spire/internal/metrics"
	"github.com/pterx/spire/internal/spiredispatch"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
	"github.com/pterx/spire/internal/spiretls"
)

// ShutdownGrace is the default drain period for a listener removed by a
// config reload (spec.md §5).
const ShutdownGrace = 30 * time.Second

// listenKey identifies one running listener by the tuple that must stay
// unchanged across a reload for it to be left running (spec.md §5).
type listenKey struct {
	port     uint16
	protocol spireproxy.Protocol
}

// running is the live state for one listener goroutine.
type running struct {
	key      listenKey
	listener net.Listener
	httpSrv  *http.Server // non-nil for HTTP1/HTTPS/HTTP2/HTTP2TLS
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager owns the set of currently running listeners and reconciles it
// against successive RouteTable snapshots (C9/C10 boundary).
type Manager struct {
	Store      *spireproxy.Store
	Dispatcher *spiredispatch.Dispatcher
	Builder    *spiremiddleware.Builder
	Certs      spiretls.CertResolver
	Metrics    *metrics.Set
	Logger     *zap.Logger

	mu     sync.Mutex
	byKey  map[listenKey]*running
	connWG sync.WaitGroup

	chainMu sync.RWMutex
	chains  map[*spireproxy.Route]spiremiddleware.Chain
}

// NewManager constructs an empty Manager.
func NewManager(store *spireproxy.Store, d *spiredispatch.Dispatcher, b *spiremiddleware.Builder, certs spiretls.CertResolver, m *metrics.Set, log *zap.Logger) *Manager {
	return &Manager{
		Store:      store,
		Dispatcher: d,
		Builder:    b,
		Certs:      certs,
		Metrics:    m,
		Logger:     log,
		byKey:      make(map[listenKey]*running),
		chains:     make(map[*spireproxy.Route]spiremiddleware.Chain),
	}
}

// compileChains builds every route's middleware chain once, at
// snapshot-build time, and replaces the cached set wholesale so routes
// from a superseded snapshot are dropped rather than accumulating
// (spec.md §9: all compilation happens at snapshot-build time, not on the
// request hot path).
func (m *Manager) compileChains(table *spireproxy.RouteTable) error {
	chains := make(map[*spireproxy.Route]spiremiddleware.Chain)
	for _, s := range table.Servers {
		for _, r := range s.Routes {
			chain, err := m.Builder.Build(r.ID, r.Middlewares)
			if err != nil {
				return fmt.Errorf("route %s: %w", r.ID, err)
			}
			chains[r] = chain
		}
	}
	m.chainMu.Lock()
	m.chains = chains
	m.chainMu.Unlock()
	return nil
}

// chainFor returns the precompiled Chain for route, built by the most
// recent compileChains call.
func (m *Manager) chainFor(route *spireproxy.Route) (spiremiddleware.Chain, bool) {
	m.chainMu.RLock()
	defer m.chainMu.RUnlock()
	c, ok := m.chains[route]
	return c, ok
}

// Reconcile starts listeners for servers newly present in table, leaves
// unchanged (port,protocol) tuples running untouched, and drains listeners
// whose tuple disappeared (spec.md §5's reload semantics).
func (m *Manager) Reconcile(table *spireproxy.RouteTable) error {
	if err := m.compileChains(table); err != nil {
		return fmt.Errorf("compiling middleware chains: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[listenKey]*spireproxy.Server)
	for _, s := range table.Servers {
		want[listenKey{port: s.ListenPort, protocol: s.Protocol}] = s
	}

	for key, r := range m.byKey {
		if _, ok := want[key]; !ok {
			m.drainLocked(key, r)
		}
	}

	var firstErr error
	for key, srv := range want {
		if _, ok := m.byKey[key]; ok {
			continue
		}
		r, err := m.startLocked(srv)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("starting listener %d/%s: %w", key.port, key.protocol, err)
			}
			continue
		}
		m.byKey[key] = r
	}
	return firstErr
}

func (m *Manager) drainLocked(key listenKey, r *running) {
	delete(m.byKey, key)
	m.Logger.Info("draining listener", zap.Uint16("port", key.port), zap.String("protocol", string(key.protocol)))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if r.httpSrv != nil {
			r.httpSrv.Shutdown(ctx)
		} else {
			r.cancel()
			r.listener.Close()
		}
		<-r.done
	}()
}

func (m *Manager) startLocked(srv *spireproxy.Server) (*running, error) {
	addr := fmt.Sprintf(":%d", srv.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		key:      listenKey{port: srv.ListenPort, protocol: srv.Protocol},
		listener: ln,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	switch srv.Protocol {
	case spireproxy.ProtoTCP:
		go m.serveTCP(ctx, r, srv)
	default:
		handler := m.httpHandler(srv)
		httpSrv := &http.Server{Handler: handler}
		r.httpSrv = httpSrv
		tlsNeeded := srv.Protocol == spireproxy.ProtoHTTPS || srv.Protocol == spireproxy.ProtoHTTP2TLS
		if tlsNeeded {
			ln = tls.NewListener(ln, m.tlsConfig())
			r.listener = ln
		}
		go m.serveHTTP(r, httpSrv, ln)
	}
	return r, nil
}

func (m *Manager) tlsConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.Certs.GetCertificate(hello.ServerName)
		},
	}
}

func (m *Manager) serveHTTP(r *running, srv *http.Server, ln net.Listener) {
	defer close(r.done)
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.Logger.Error("http listener exited", zap.Error(err), zap.Uint16("port", r.key.port))
	}
}

func (m *Manager) serveTCP(ctx context.Context, r *running, srv *spireproxy.Server) {
	defer close(r.done)
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.Logger.Error("tcp accept failed", zap.Error(err))
			continue
		}
		m.connWG.Add(1)
		go func() {
			defer m.connWG.Done()
			defer func() {
				if rec := recover(); rec != nil {
					m.Logger.Error("panic in tcp connection handler", zap.Any("recover", rec))
				}
			}()
			m.handleTCPConn(conn, srv)
		}()
	}
}

func (m *Manager) handleTCPConn(conn net.Conn, srv *spireproxy.Server) {
	if m.Metrics != nil {
		label := fmt.Sprintf("%d", srv.ListenPort)
		m.Metrics.ActiveConnections.WithLabelValues(label).Inc()
		defer m.Metrics.ActiveConnections.WithLabelValues(label).Dec()
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	facts := &spireproxy.RequestFacts{Host: host}
	route := firstMatchingRoute(srv, facts)
	if route == nil {
		conn.Close()
		return
	}
	if err := m.Dispatcher.BridgeTCP(conn, route, m.Dispatcher.DefaultConnectTimeout); err != nil {
		m.Logger.Debug("tcp bridge ended", zap.Error(err))
	}
}

func firstMatchingRoute(srv *spireproxy.Server, facts *spireproxy.RequestFacts) *spireproxy.Route {
	for _, r := range srv.Routes {
		if r.Matches(facts) {
			return r
		}
	}
	return nil
}

// Shutdown drains every running listener, blocking up to grace for
// in-flight connections to finish.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	keys := make([]listenKey, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	liveByKey := m.byKey
	m.byKey = make(map[listenKey]*running)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	var wg sync.WaitGroup
	for _, k := range keys {
		r := liveByKey[k]
		wg.Add(1)
		go func(r *running) {
			defer wg.Done()
			if r.httpSrv != nil {
				r.httpSrv.Shutdown(ctx)
			} else {
				r.cancel()
				r.listener.Close()
			}
			<-r.done
		}(r)
	}
	wg.Wait()

	// TCP bridges run on their own goroutines, outside the accept loops
	// waited on above; wait for them within the same grace period.
	conns := make(chan struct{})
	go func() {
		m.connWG.Wait()
		close(conns)
	}()
	select {
	case <-conns:
	case <-ctx.Done():
	}
}
