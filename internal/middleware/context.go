package middleware

import (
	"context"

	"github.com/wudi/edgeproxy/internal/auth"
	"github.com/wudi/edgeproxy/internal/geo"
)

type clientIPKey struct{}
type geoResultKey struct{}
type sessionKey struct{}

// WithClientIP stores the resolved client IP in the request context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext retrieves the client IP, or "unknown".
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return "unknown"
}

// WithGeoResult stores a geolocation result in the request context.
func WithGeoResult(ctx context.Context, result *geo.Result) context.Context {
	return context.WithValue(ctx, geoResultKey{}, result)
}

// GeoResultFromContext retrieves the geolocation result, or nil.
func GeoResultFromContext(ctx context.Context) *geo.Result {
	if v, ok := ctx.Value(geoResultKey{}).(*geo.Result); ok {
		return v
	}
	return nil
}

// WithSession stores the attached OAuth2 session in the request context.
func WithSession(ctx context.Context, s *auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext retrieves the attached session, or nil.
func SessionFromContext(ctx context.Context) *auth.Session {
	if v, ok := ctx.Value(sessionKey{}).(*auth.Session); ok {
		return v
	}
	return nil
}
