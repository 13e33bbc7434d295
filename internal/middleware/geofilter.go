package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/geo"
	"github.com/wudi/edgeproxy/internal/logging"
)

// CompiledGeoFilter is a per-route geolocation gate, compiled once at
// route-table build.
type CompiledGeoFilter struct {
	mode        string // "allow" or "block"
	countries   map[string]bool
	regions     map[string]bool
	cities      map[string]bool
	blockStatus int
	redirectTo  string
}

// NewGeoFilter compiles a geo filter config.
func NewGeoFilter(cfg *config.GeoFilterConfig) *CompiledGeoFilter {
	f := &CompiledGeoFilter{
		mode:        cfg.Mode,
		countries:   make(map[string]bool),
		regions:     make(map[string]bool),
		cities:      make(map[string]bool),
		blockStatus: cfg.BlockStatus,
		redirectTo:  cfg.RedirectTo,
	}
	if f.blockStatus == 0 {
		f.blockStatus = http.StatusForbidden
	}
	for _, c := range cfg.Countries {
		f.countries[strings.ToUpper(c)] = true
	}
	for _, r := range cfg.Regions {
		f.regions[strings.ToLower(r)] = true
	}
	for _, c := range cfg.Cities {
		f.cities[strings.ToLower(c)] = true
	}
	return f
}

// inSet reports whether the lookup result matches any configured country,
// region or city.
func (f *CompiledGeoFilter) inSet(result *geo.Result) bool {
	if result == nil {
		return false
	}
	if f.countries[strings.ToUpper(result.CountryCode)] {
		return true
	}
	if result.Region != "" && f.regions[strings.ToLower(result.Region)] {
		return true
	}
	if result.City != "" && f.cities[strings.ToLower(result.City)] {
		return true
	}
	return false
}

// Blocked applies the allow/block duality: allow mode blocks when the geo
// is outside the set, block mode blocks when it is inside.
func (f *CompiledGeoFilter) Blocked(result *geo.Result) bool {
	if f.mode == "allow" {
		return !f.inSet(result)
	}
	return f.inSet(result)
}

// Serve writes the blocking response for a denied request.
func (f *CompiledGeoFilter) Serve(w http.ResponseWriter, r *http.Request, clientIP string, result *geo.Result) {
	country := ""
	if result != nil {
		country = result.CountryCode
	}
	logging.Info("geo policy denied request",
		zap.String("ip", clientIP),
		zap.String("country", country),
		zap.String("path", r.URL.Path),
	)

	if f.redirectTo != "" {
		http.Redirect(w, r, f.redirectTo, http.StatusFound)
		return
	}
	errors.New(f.blockStatus, errors.KindGeoBlocked, "access denied by location policy").Write(w, r)
}
