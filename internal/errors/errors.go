package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind is a stable error taxonomy name carried in machine-readable bodies.
type Kind string

const (
	KindConfigInvalid       Kind = "ConfigInvalid"
	KindUpstreamUnreachable Kind = "UpstreamUnreachable"
	KindUpstreamError       Kind = "UpstreamError"
	KindCacheCorrupt        Kind = "CacheCorrupt"
	KindAuthRequired        Kind = "AuthRequired"
	KindAuthStateInvalid    Kind = "AuthStateInvalid"
	KindTLSNoCert           Kind = "TLSNoCert"
	KindACMEChallengeFail   Kind = "ACMEChallengeFail"
	KindProcessSpawnFail    Kind = "ProcessSpawnFail"
	KindProcessHealthFail   Kind = "ProcessHealthFail"
	KindGeoBlocked          Kind = "GeoBlocked"
	KindRateLimited         Kind = "RateLimited"
	KindBadForwarderTarget  Kind = "BadForwarderTarget"
)

// ProxyError represents an error that can be returned to clients
type ProxyError struct {
	Code       int    `json:"code"`
	Kind       Kind   `json:"kind,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details), uses pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Write writes the error as JSON or as a minimal HTML page depending on
// the request's Accept header. Browser navigations get HTML.
func (e *ProxyError) Write(w http.ResponseWriter, r *http.Request) {
	if r != nil && prefersHTML(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(e.Code)
		fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%d %s</title></head><body><h1>%d %s</h1><p>%s</p></body></html>",
			e.Code, http.StatusText(e.Code), e.Code, http.StatusText(e.Code), e.Message)
		return
	}
	e.WriteJSON(w)
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mt {
		case "text/html", "application/xhtml+xml":
			return true
		case "application/json":
			return false
		}
	}
	return false
}

// Common errors
var (
	ErrNotFound = &ProxyError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrUnauthorized = &ProxyError{
		Code:    http.StatusUnauthorized,
		Kind:    KindAuthRequired,
		Message: "Unauthorized",
	}

	ErrForbidden = &ProxyError{
		Code:    http.StatusForbidden,
		Kind:    KindGeoBlocked,
		Message: "Forbidden",
	}

	ErrBadGateway = &ProxyError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstreamUnreachable,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &ProxyError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindUpstreamUnreachable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ProxyError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstreamUnreachable,
		Message: "Gateway Timeout",
	}

	ErrBadRequest = &ProxyError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrBadGateway,
		ErrServiceUnavailable, ErrGatewayTimeout, ErrBadRequest,
		ErrInternalServer,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError
func New(code int, kind Kind, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, kind Kind, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *ProxyError) WithDetails(details string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) (*ProxyError, bool) {
	if pe, ok := err.(*ProxyError); ok {
		return pe, true
	}
	return nil, false
}
