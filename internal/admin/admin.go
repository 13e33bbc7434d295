// Package admin serves the loopback management API: route, certificate,
// cache and process status, process start/stop, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/cache"
	"github.com/wudi/edgeproxy/internal/certs"
	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/router"
	"github.com/wudi/edgeproxy/internal/supervisor"
)

// RouteInfo is the status view of a compiled route.
type RouteInfo struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	PathPrefix string `json:"path_prefix,omitempty"`
	Kind       string `json:"kind"`
	Upstream   string `json:"upstream,omitempty"`
	SSL        bool   `json:"ssl"`
}

// CacheStats is the status view of the response cache.
type CacheStats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Entries int    `json:"entries"`
	MaxAge  string `json:"max_age"`
}

// Server is the management HTTP server.
type Server struct {
	cfg      config.AdminConfig
	routes   func() []*router.Route
	certs    *certs.Manager
	cache    *cache.Cache
	sup      *supervisor.Supervisor
	registry *prometheus.Registry

	srv *http.Server
}

// Deps wires the server to the live gateway components. Nil fields
// disable their endpoints.
type Deps struct {
	Routes     func() []*router.Route
	Certs      *certs.Manager
	Cache      *cache.Cache
	Supervisor *supervisor.Supervisor
	Registry   *prometheus.Registry
}

// New builds the admin server.
func New(cfg config.AdminConfig, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		routes:   deps.Routes,
		certs:    deps.Certs,
		cache:    deps.Cache,
		sup:      deps.Supervisor,
		registry: deps.Registry,
	}
}

func (s *Server) handler() http.Handler {
	r := httprouter.New()
	r.GET("/healthz", s.handleHealthz)
	r.GET("/api/routes", s.handleRoutes)
	r.GET("/api/certs", s.handleCerts)
	r.GET("/api/cache/stats", s.handleCacheStats)
	r.GET("/api/processes", s.handleProcesses)
	r.POST("/api/processes/:id/start", s.handleProcessStart)
	r.POST("/api/processes/:id/stop", s.handleProcessStop)
	r.GET("/api/processes/:id/logs", s.handleProcessLogs)
	if s.registry != nil {
		r.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start binds the listener. Disabled when the configured port is zero.
func (s *Server) Start() error {
	if s.cfg.Port == 0 {
		return nil
	}
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	s.srv = &http.Server{Addr: addr, Handler: s.handler()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Info("admin api listening", zap.String("addr", addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("admin server", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.routes == nil {
		writeJSON(w, http.StatusOK, []RouteInfo{})
		return
	}
	routes := s.routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, rt := range routes {
		infos = append(infos, RouteInfo{
			Name:       rt.Name,
			Host:       rt.Host,
			PathPrefix: rt.PathPrefix,
			Kind:       string(rt.Kind),
			Upstream:   rt.Upstream,
			SSL:        rt.SSL,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCerts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.certs == nil {
		writeJSON(w, http.StatusOK, []certs.CertInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.certs.Status())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, CacheStats{})
		return
	}
	hits, misses, entries := s.cache.Stats()
	writeJSON(w, http.StatusOK, CacheStats{
		Hits:    hits,
		Misses:  misses,
		Entries: entries,
		MaxAge:  s.cache.MaxAge().String(),
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.sup == nil {
		writeJSON(w, http.StatusOK, []supervisor.Info{})
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.sup == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	id := ps.ByName("id")
	if err := s.sup.StartProcess(id); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": "start"})
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.sup == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	id := ps.ByName("id")
	if err := s.sup.StopProcess(id); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": "stop"})
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.sup == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	id := ps.ByName("id")
	path, ok := s.sup.LogFile(id)
	if !ok {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := supervisor.Tail(path, n)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "lines": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "lines": lines})
}
