package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/edgeproxy/internal/config"
)

// CompiledCORS answers preflights locally and overlays CORS headers on
// responses that travel through the route.
type CompiledCORS struct {
	allowOrigin      string
	allowOrigins     map[string]bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	preflightStatus  int
}

// NewCORS compiles a CORS config.
func NewCORS(cfg *config.CORSConfig) *CompiledCORS {
	c := &CompiledCORS{
		allowOrigin:      cfg.AllowOrigin,
		allowOrigins:     make(map[string]bool),
		allowMethods:     strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
		preflightStatus:  cfg.PreflightStatus,
	}
	for _, o := range cfg.AllowOrigins {
		c.allowOrigins[strings.ToLower(o)] = true
	}
	if c.allowMethods == "" {
		c.allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}
	if cfg.MaxAge > 0 {
		c.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	if c.preflightStatus == 0 {
		c.preflightStatus = http.StatusNoContent
	}
	return c
}

// IsPreflight reports whether the request is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// originFor resolves the Access-Control-Allow-Origin value for a request
// origin. Empty means the origin is not allowed.
func (c *CompiledCORS) originFor(origin string) string {
	if len(c.allowOrigins) > 0 {
		if c.allowOrigins[strings.ToLower(origin)] {
			return origin
		}
		return ""
	}
	if c.allowOrigin != "" {
		if c.allowOrigin == "*" && c.allowCredentials {
			// Browsers reject "*" together with credentials; echo the origin.
			return origin
		}
		return c.allowOrigin
	}
	return origin
}

// HandlePreflight synthesizes the preflight response without reaching the
// upstream.
func (c *CompiledCORS) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := c.originFor(r.Header.Get("Origin"))
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Methods", c.allowMethods)
	if c.allowHeaders != "" {
		h.Set("Access-Control-Allow-Headers", c.allowHeaders)
	} else if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	}
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.maxAge != "" {
		h.Set("Access-Control-Max-Age", c.maxAge)
	}
	if origin != "" && origin != "*" {
		h.Add("Vary", "Origin")
	}
	w.WriteHeader(c.preflightStatus)
}

// ApplyHeaders overlays CORS headers on an outgoing response. Existing
// values are replaced so the route config wins over whatever the upstream
// emitted.
func (c *CompiledCORS) ApplyHeaders(h http.Header, origin string) {
	allowed := c.originFor(origin)
	if allowed != "" {
		h.Set("Access-Control-Allow-Origin", allowed)
		if allowed != "*" {
			h.Add("Vary", "Origin")
		}
	}
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", c.exposeHeaders)
	}
}
