package spirelisten

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pterx/spire/internal/spireerr"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
)

// httpHandler builds the per-server http.Handler that resolves a route,
// provisions its middleware chain, and runs C7's pipeline with C8's
// dispatcher as the terminal step (spec.md §4.1/§4.6/§4.7 wired together).
func (m *Manager) httpHandler(srv *spireproxy.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.Logger.Error("panic in http request handler", zap.Any("recover", rec))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		m.serveHTTPRequest(w, r, srv)
	})
}

func (m *Manager) serveHTTPRequest(w http.ResponseWriter, r *http.Request, srv *spireproxy.Server) {
	if m.Metrics != nil {
		label := strconv.Itoa(int(srv.ListenPort))
		m.Metrics.ActiveConnections.WithLabelValues(label).Inc()
		defer m.Metrics.ActiveConnections.WithLabelValues(label).Dec()
	}

	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	facts := &spireproxy.RequestFacts{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    strings.ToLower(host),
		Headers: r.Header,
	}

	route, err := spireproxy.Resolve(facts, srv)
	if err != nil {
		m.writeError(w, "", err)
		return
	}

	chain, ok := m.chainFor(route)
	if !ok {
		// Should not happen: compileChains runs for every route in the
		// active snapshot before Reconcile ever starts a listener that
		// could serve it.
		m.Logger.Error("no precompiled middleware chain for route", zap.String("route", route.ID))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	ctx := &spiremiddleware.Context{RouteID: route.ID, ClientIP: clientIP}
	dispatch := m.Dispatcher.Build(route)

	result, err := spiremiddleware.Run(chain, ctx, r, dispatch)
	if err != nil {
		m.writeError(w, route.ID, err)
		return
	}

	for name, values := range result.Response.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := result.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if m.Metrics != nil {
		m.Metrics.RequestsTotal.WithLabelValues(route.ID, strconv.Itoa(status)).Inc()
	}

	switch {
	case result.Response.BodyReader != nil:
		defer result.Response.BodyReader.Close()
		copyBody(w, result.Response.BodyReader)
	case result.Response.Body != nil:
		w.Write(result.Response.Body)
	}
}

func copyBody(w http.ResponseWriter, body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) writeError(w http.ResponseWriter, routeID string, err error) {
	kind := spireerr.KindNone
	if se, ok := spireerr.As(err); ok {
		kind = se.Kind
	}
	status := kind.StatusCode()
	if m.Metrics != nil {
		m.Metrics.RequestsTotal.WithLabelValues(routeID, strconv.Itoa(status)).Inc()
	}
	http.Error(w, kind.String(), status)
}
