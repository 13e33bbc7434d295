package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// Key computes the content address for a cached response. The query string
// is stripped so all query variants share one entry; the user id and client
// IP partition entries between callers.
func Key(method, target, userID, userIP string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(cleanTarget(target)))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(userIP))
	return hex.EncodeToString(h.Sum(nil))
}

// cleanTarget strips the query and fragment, keeping scheme+host+path.
func cleanTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		// Fall back to a manual cut so unparsable targets still key stably.
		if i := strings.IndexByte(target, '?'); i >= 0 {
			return target[:i]
		}
		return target
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// DeriveUserID resolves a privacy-bounded caller identity for cache keying.
// First present wins: OAuth2 session cookie, bearer/api-key token prefix,
// explicit user headers, generic session cookie, client IP.
func DeriveUserID(r *http.Request, clientIP string) string {
	for _, c := range r.Cookies() {
		if strings.HasPrefix(c.Name, "oauth2_") && c.Value != "" {
			return "oauth:" + c.Value
		}
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		for _, scheme := range []string{"Bearer ", "ApiKey "} {
			if strings.HasPrefix(auth, scheme) {
				token := strings.TrimSpace(auth[len(scheme):])
				if len(token) > 8 {
					token = token[:8]
				}
				if token != "" {
					return "token:" + token
				}
			}
		}
	}

	if v := r.Header.Get("X-User-Id"); v != "" {
		return "header:" + v
	}
	if v := r.Header.Get("X-User"); v != "" {
		return "header:" + v
	}

	for _, name := range []string{"session", "session_id", "sessionid", "sid"} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return "session:" + c.Value
		}
	}

	if clientIP != "" && clientIP != "unknown" {
		return "ip:" + clientIP
	}
	return ""
}
