package geo

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Result holds the geolocation lookup result.
type Result struct {
	CountryCode string // ISO 3166-1 alpha-2 (e.g. "US")
	CountryName string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
}

// Provider performs IP-to-location lookups. Lookups are best-effort; a nil
// Result with a nil error means the address is not in the database.
type Provider interface {
	Lookup(ip string) (*Result, error)
	Close() error
}

// NewProvider auto-detects the database format from the file extension
// and returns the appropriate Provider implementation.
func NewProvider(path string) (Provider, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mmdb":
		return newMMDBProvider(path)
	case ".ipdb":
		return newIPDBProvider(path)
	default:
		return nil, fmt.Errorf("unsupported geo database format: %s (expected .mmdb or .ipdb)", ext)
	}
}

// Noop returns a provider that resolves nothing, used when no database is
// configured.
func Noop() Provider {
	return noopProvider{}
}

type noopProvider struct{}

func (noopProvider) Lookup(string) (*Result, error) { return nil, nil }
func (noopProvider) Close() error                   { return nil }
