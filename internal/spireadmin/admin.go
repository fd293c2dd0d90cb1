// Package spireadmin exposes the small control-plane HTTP surface spec.md
// §6 describes: health, the current config snapshot, a validate-then-swap
// config endpoint, and a prometheus exposition endpoint. It is grounded on
// the shape of the teacher's admin API (admin.go's AdminRouter/AdminRoute
// registration and its JSON-in/JSON-out conventions) scaled down to a
// single fixed handler set, since this program's control surface is not
// itself pluggable the way Caddy's is.
package spireadmin

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pterx/spire/internal/spireconfig"
	"github.com/pterx/spire/internal/spirecontrol"
	"github.com/pterx/spire/internal/spireproxy"
)

// Server is the admin HTTP handler. It holds no listener of its own; the
// caller decides what address to bind it to (spec.md §6 recommends a
// loopback-only listener, separate from the data-plane ports).
type Server struct {
	Store    *spireproxy.Store
	Bus      *spirecontrol.Bus
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// NewServer builds the admin mux. reg is the registry metrics.NewSet
// registered its series against.
func NewServer(store *spireproxy.Store, bus *spirecontrol.Bus, reg *prometheus.Registry, log *zap.Logger) *Server {
	return &Server{Store: store, Bus: bus, Registry: reg, Logger: log}
}

// Handler returns the http.Handler to bind to the admin listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	return mux
}

// handleHealth reports 200 "ok" once a snapshot has been published, 503
// before the first one lands (process still starting up).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Store.Load() == nil {
		http.Error(w, "no snapshot published yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// configView is the JSON-serializable projection of the active snapshot
// returned by GET /config. It omits compiled-only fields (regexes, cumulative
// weight tables) that have no useful external representation.
type configView struct {
	Servers map[string]serverView `json:"servers"`
}

type serverView struct {
	ListenPort uint16   `json:"listen_port"`
	Protocol   string   `json:"protocol"`
	TLSDomains []string `json:"tls_domains,omitempty"`
	RouteIDs   []string `json:"route_ids"`
}

// handleConfig serves the active snapshot on GET and, on PUT, decodes the
// request body as YAML, compiles it, and publishes it through the bus. A
// decode or compile failure returns 422 without disturbing the running
// snapshot (spec.md §9).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeConfig(w)
	case http.MethodPut:
		s.putConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeConfig(w http.ResponseWriter) {
	table := s.Store.Load()
	if table == nil {
		http.Error(w, "no snapshot published yet", http.StatusServiceUnavailable)
		return
	}
	view := configView{Servers: make(map[string]serverView, len(table.Servers))}
	for name, srv := range table.Servers {
		ids := make([]string, len(srv.Routes))
		for i, rt := range srv.Routes {
			ids[i] = rt.ID
		}
		domains := make([]string, 0, len(srv.TLSDomains))
		for d := range srv.TLSDomains {
			domains = append(domains, d)
		}
		view.Servers[name] = serverView{
			ListenPort: srv.ListenPort,
			Protocol:   string(srv.Protocol),
			TLSDomains: domains,
			RouteIDs:   ids,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	table, err := spireconfig.Decode(body)
	if err != nil {
		http.Error(w, "invalid config: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := s.Bus.Publish(table); err != nil {
		s.Logger.Error("publishing config via admin api failed", zap.Error(err))
		http.Error(w, "publishing config: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
