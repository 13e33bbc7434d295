package router

import (
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/logging"
	"go.uber.org/zap"
)

// Route is a compiled route. Regex rules are compiled once at build time;
// the struct is immutable for the lifetime of its config snapshot.
type Route struct {
	Name       string
	Host       string
	PathPrefix string
	Kind       config.RouteKind

	Upstream   string
	StaticRoot string
	RedirectTo string

	RewriteRules []CompiledRule
	ReplaceRules []CompiledRule
	Headers      map[string]string

	CORS      *config.CORSConfig
	OAuth2    *config.OAuth2Config
	WebSocket *config.WebSocketConfig
	GeoFilter *config.GeoFilterConfig
	CSP       *config.CSPConfig

	RateLimit      *config.RateLimitConfig
	Compression    *config.CompressionConfig
	CircuitBreaker *config.CircuitBreakerConfig

	SPAFallback bool
	PublicPaths []string
	SSL         bool

	CacheMaxAge int64 // seconds; 0 = cache default

	Config config.RouteConfig
}

// CompiledRule pairs a compiled regex with its replacement.
type CompiledRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Match is the result of a table lookup.
type Match struct {
	Route *Route
	// Remainder is the request path with the matched prefix stripped,
	// always beginning with "/".
	Remainder string
}

// Table is the compiled host/prefix matcher. It is read-mostly: built once
// per config snapshot and swapped atomically on reload.
type Table struct {
	byHost map[string][]*Route // host → routes sorted by prefix length desc
	routes []*Route
}

// Build compiles the route list into a lookup table. Invalid regex rules
// are logged and skipped; config validation normally rejects them first.
func Build(routes []config.RouteConfig) *Table {
	t := &Table{byHost: make(map[string][]*Route)}

	for _, rc := range routes {
		route := compile(rc)
		t.byHost[route.Host] = append(t.byHost[route.Host], route)
		t.routes = append(t.routes, route)
	}

	// Longest prefix first so Lookup can return the first prefix match.
	for host := range t.byHost {
		list := t.byHost[host]
		sort.SliceStable(list, func(i, j int) bool {
			return len(list[i].PathPrefix) > len(list[j].PathPrefix)
		})
	}
	return t
}

func compile(rc config.RouteConfig) *Route {
	route := &Route{
		Name:           rc.Name,
		Host:           strings.ToLower(rc.Host),
		PathPrefix:     rc.PathPrefix,
		Kind:           rc.Kind,
		Upstream:       rc.Upstream,
		StaticRoot:     rc.StaticRoot,
		RedirectTo:     rc.RedirectTo,
		Headers:        rc.Headers,
		CORS:           rc.CORS,
		OAuth2:         rc.OAuth2,
		WebSocket:      rc.WebSocket,
		GeoFilter:      rc.GeoFilter,
		CSP:            rc.CSP,
		RateLimit:      rc.RateLimit,
		Compression:    rc.Compression,
		CircuitBreaker: rc.CircuitBreaker,
		SPAFallback:    rc.SPAFallback,
		PublicPaths:    rc.PublicPaths,
		SSL:            rc.SSL,
		CacheMaxAge:    int64(rc.CacheMaxAge.Seconds()),
		Config:         rc,
	}
	if route.Kind == "" {
		route.Kind = config.KindProxy
	}

	for _, rule := range rc.RewriteRules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logging.Warn("skipping invalid rewrite pattern",
				zap.String("route", rc.Name), zap.String("pattern", rule.Pattern), zap.Error(err))
			continue
		}
		route.RewriteRules = append(route.RewriteRules, CompiledRule{Pattern: re, Replacement: rule.Replacement})
	}
	for _, rule := range rc.ReplaceRules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logging.Warn("skipping invalid replace pattern",
				zap.String("route", rc.Name), zap.String("pattern", rule.Pattern), zap.Error(err))
			continue
		}
		route.ReplaceRules = append(route.ReplaceRules, CompiledRule{Pattern: re, Replacement: rule.Replacement})
	}
	return route
}

// Lookup resolves the route for a request host and path. Host matching is
// exact equality against route.host or www.route.host; among host matches
// the longest path prefix wins. Returns nil when nothing matches.
func (t *Table) Lookup(host, path string) *Match {
	host = normalizeHost(host)

	candidates := t.byHost[host]
	if candidates == nil && strings.HasPrefix(host, "www.") {
		candidates = t.byHost[strings.TrimPrefix(host, "www.")]
	}
	if candidates == nil {
		return nil
	}

	for _, route := range candidates {
		if route.PathPrefix == "" || strings.HasPrefix(path, route.PathPrefix) {
			return &Match{
				Route:     route,
				Remainder: remainderOf(route.PathPrefix, path),
			}
		}
	}
	return nil
}

// Routes returns all compiled routes in config order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// SSLHosts returns the distinct hosts of ssl-enabled routes.
func (t *Table) SSLHosts() []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, route := range t.routes {
		if route.SSL && !seen[route.Host] {
			seen[route.Host] = true
			hosts = append(hosts, route.Host)
		}
	}
	return hosts
}

// RewritePath applies the route's rewrite rules in order; the first rule
// whose pattern matches is applied and the rest are skipped.
func (r *Route) RewritePath(remainder string) string {
	for _, rule := range r.RewriteRules {
		if rule.Pattern.MatchString(remainder) {
			return rule.Pattern.ReplaceAllString(remainder, rule.Replacement)
		}
	}
	return remainder
}

// IsPublicPath reports whether the path bypasses the OAuth2 gate.
func (r *Route) IsPublicPath(path string) bool {
	for _, pub := range r.PublicPaths {
		if path == pub || strings.HasPrefix(path, strings.TrimSuffix(pub, "/")+"/") {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func remainderOf(prefix, path string) string {
	if prefix == "" {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
