// Package handler implements the terminal request handlers of the dispatch
// pipeline: reverse proxy, CORS forwarder, static files, redirects and the
// WebSocket tunnel. Dispatch is keyed by route kind.
package handler

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/edgeproxy/internal/cache"
	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/pdf"
	"github.com/wudi/edgeproxy/internal/router"
	"github.com/wudi/edgeproxy/internal/stats"
)

// RouteState carries the per-route compiled runtime: middleware instances
// and the upstream circuit breaker. Built once per config snapshot and
// swapped together with the route table.
type RouteState struct {
	Route      *router.Route
	CORS       *middleware.CompiledCORS
	CSP        *middleware.CompiledCSP
	GeoFilter  *middleware.CompiledGeoFilter
	RateLimit  *middleware.RateLimiter
	Compressor *middleware.Compressor
	Breaker    *gobreaker.CircuitBreaker[*http.Response]
	WS         *WebSocketProxy
}

// NewRouteState compiles the runtime state for one route.
func NewRouteState(route *router.Route) *RouteState {
	st := &RouteState{
		Route:      route,
		CSP:        middleware.NewCSP(route.CSP),
		Compressor: middleware.NewCompressor(route.Compression),
	}
	if route.CORS != nil {
		st.CORS = middleware.NewCORS(route.CORS)
	}
	if route.GeoFilter != nil {
		st.GeoFilter = middleware.NewGeoFilter(route.GeoFilter)
	}
	if route.RateLimit != nil && route.RateLimit.RequestsPerSecond > 0 {
		st.RateLimit = middleware.NewRateLimiter(route.RateLimit)
	}
	if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
		st.Breaker = newBreaker(route.Name, cb)
	}
	if ws := route.WebSocket; ws != nil && ws.Enabled {
		st.WS = NewWebSocketProxy(ws)
	}
	return st
}

func newBreaker(name string, cfg *config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
}

// Dispatcher routes matched requests to the handler for their kind.
type Dispatcher struct {
	proxy     *Proxy
	forwarder *Forwarder
	static    *Static
}

// Deps are the shared collaborators handed to every handler.
type Deps struct {
	Cache     *cache.Cache
	Converter pdf.Converter
	Stats     stats.Recorder
	Transport http.RoundTripper
	// Timeout bounds upstream dispatch when the route sets none.
	Timeout time.Duration
}

// NewDispatcher wires the terminal handlers.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Converter == nil {
		deps.Converter = pdf.Passthrough{}
	}
	if deps.Stats == nil {
		deps.Stats = stats.Noop{}
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport
	}
	if deps.Timeout == 0 {
		deps.Timeout = 30 * time.Second
	}
	proxy := NewProxy(deps)
	return &Dispatcher{
		proxy:     proxy,
		forwarder: NewForwarder(deps, proxy),
		static:    &Static{},
	}
}

// Serve dispatches by route kind. WebSocket upgrades on proxy routes go
// through the tunnel when the route enables it.
func (d *Dispatcher) Serve(w http.ResponseWriter, r *http.Request, st *RouteState, remainder string) {
	switch st.Route.Kind {
	case config.KindProxy:
		if st.WS != nil && IsUpgradeRequest(r) {
			st.WS.Serve(w, r, st.Route.Upstream)
			return
		}
		d.proxy.Serve(w, r, st, remainder)
	case config.KindCorsForwarder:
		d.forwarder.Serve(w, r, st)
	case config.KindStatic:
		d.static.Serve(w, r, st, remainder)
	case config.KindRedirect:
		serveRedirect(w, r, st.Route)
	default:
		errors.ErrNotFound.Write(w, r)
	}
}
