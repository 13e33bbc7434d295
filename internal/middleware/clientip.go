package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ipHeaders are checked in order before falling back to the transport peer.
var ipHeaders = []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP"}

// ClientIP extracts the client address for a request: the leftmost
// X-Forwarded-For entry, then X-Real-IP, X-Client-IP, and finally the
// transport peer. Returns the literal "unknown" when nothing parses.
func ClientIP(r *http.Request) string {
	for _, header := range ipHeaders {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			val = strings.TrimSpace(strings.SplitN(val, ",", 2)[0])
		}
		if ip := normalizeIP(val); ip != "" {
			return ip
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := normalizeIP(host); ip != "" {
			return ip
		}
	}
	if ip := normalizeIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return "unknown"
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
