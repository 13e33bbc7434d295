// Package gateway assembles the edge: listeners, the per-request middleware
// chain, and the atomically swapped route table.
package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgeproxy/internal/auth"
	"github.com/wudi/edgeproxy/internal/certs"
	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/geo"
	"github.com/wudi/edgeproxy/internal/handler"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/router"
)

// tableState pairs a compiled route table with the runtime state of each of
// its routes. The pair is replaced as a unit on reload so a request never
// sees a route from one snapshot and state from another.
type tableState struct {
	table  *router.Table
	states map[*router.Route]*handler.RouteState
}

// Server is the public-facing edge server: the HTTP listener (which also
// answers ACME HTTP-01 challenges) and the SNI-terminating HTTPS listener.
type Server struct {
	cfg        *config.Config
	dispatcher *handler.Dispatcher
	gate       *auth.Gate
	geo        geo.Provider
	certs      *certs.Manager
	globalCSP  *middleware.CompiledCSP

	state atomic.Pointer[tableState]

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// Deps are the collaborators the server dispatches through. Nil Geo falls
// back to a no-op; nil Certs disables HTTPS and challenge serving.
type Deps struct {
	Dispatcher *handler.Dispatcher
	Gate       *auth.Gate
	Geo        geo.Provider
	Certs      *certs.Manager
}

// New builds the server and compiles the initial route table.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Geo == nil {
		deps.Geo = geo.Noop()
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		gate:       deps.Gate,
		geo:        deps.Geo,
		certs:      deps.Certs,
	}
	if cfg.Security.CSP != nil {
		s.globalCSP = middleware.NewCSP(cfg.Security.CSP)
	}
	s.SwapRoutes(cfg.Routes)
	return s
}

// SwapRoutes compiles a fresh table from the route configs and installs it
// atomically. It returns the hosts that want certificates.
func (s *Server) SwapRoutes(routes []config.RouteConfig) []string {
	table := router.Build(routes)
	states := make(map[*router.Route]*handler.RouteState, len(table.Routes()))
	for _, rt := range table.Routes() {
		st := handler.NewRouteState(rt)
		if st.CSP == nil {
			st.CSP = s.globalCSP
		}
		states[rt] = st
	}
	s.state.Store(&tableState{table: table, states: states})
	logging.Info("route table installed", zap.Int("routes", len(routes)))
	return table.SSLHosts()
}

// Routes returns the routes of the current snapshot.
func (s *Server) Routes() []*router.Route {
	return s.state.Load().table.Routes()
}

// SSLHosts returns the hosts of the current snapshot that want certificates.
func (s *Server) SSLHosts() []string {
	return s.state.Load().table.SSLHosts()
}

// ServeHTTP runs the request chain: client IP, rate limit, geo lookup, geo
// gate, CORS preflight, OAuth2 gate, then kind dispatch.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Load()
	match := snap.table.Lookup(r.Host, r.URL.Path)
	if match == nil {
		errors.ErrNotFound.Write(w, r)
		return
	}
	st := snap.states[match.Route]
	route := match.Route

	clientIP := middleware.ClientIP(r)
	ctx := middleware.WithClientIP(r.Context(), clientIP)

	if st.RateLimit != nil && !st.RateLimit.Allow(clientIP) {
		st.RateLimit.Serve(w, r)
		return
	}

	var geoResult *geo.Result
	if clientIP != "unknown" {
		if result, err := s.geo.Lookup(clientIP); err == nil && result != nil {
			geoResult = result
			ctx = middleware.WithGeoResult(ctx, result)
		}
	}

	if st.GeoFilter != nil && st.GeoFilter.Blocked(geoResult) {
		st.GeoFilter.Serve(w, r, clientIP, geoResult)
		return
	}

	if st.CORS != nil && middleware.IsPreflight(r) {
		st.CORS.HandlePreflight(w, r)
		return
	}

	if route.OAuth2 != nil && s.gate != nil {
		session, done := s.gate.Handle(w, r, route.OAuth2, route.Name, route.IsPublicPath(r.URL.Path))
		if done {
			return
		}
		if session != nil {
			ctx = middleware.WithSession(ctx, session)
		}
	}

	s.dispatcher.Serve(w, r.WithContext(ctx), st, match.Remainder)
}

// challengeHandler serves ACME HTTP-01 tokens from the challenge directory
// before anything else on the plaintext listener.
func (s *Server) challengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.certs != nil && strings.HasPrefix(r.URL.Path, certs.ChallengePathPrefix) {
			token := path.Base(path.Clean(r.URL.Path))
			if token != "" && token != "." && token != "/" {
				http.ServeFile(w, r, path.Join(s.certs.ChallengeDir(), token))
				return
			}
		}
		s.ServeHTTP(w, r)
	})
}

// Run starts the listeners and blocks until one fails or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.challengeHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logging.Info("http listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.certs != nil && s.cfg.HTTPSPort > 0 {
		s.httpsSrv = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.HTTPSPort)),
			Handler:           s,
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig: &tls.Config{
				GetCertificate: s.certs.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		g.Go(func() error {
			logging.Info("https listening", zap.String("addr", s.httpsSrv.Addr))
			if err := s.httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	return g.Wait()
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	if s.httpsSrv != nil {
		s.httpsSrv.Shutdown(ctx)
	}
}
