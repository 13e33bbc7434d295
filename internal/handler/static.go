package handler

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/router"
)

// Static serves files under the route's static root, with optional SPA
// fallback to index.html.
type Static struct{}

// Serve resolves remainder against the static root. Missing files fall
// back to index.html on SPA routes unless the path looks like an API or
// asset request.
func (s *Static) Serve(w http.ResponseWriter, r *http.Request, st *RouteState, remainder string) {
	route := st.Route

	file, ok := resolveFile(route.StaticRoot, remainder)
	if !ok && route.SPAFallback && spaEligible(remainder) {
		file, ok = resolveFile(route.StaticRoot, "/index.html")
	}
	if !ok {
		errors.ErrNotFound.Write(w, r)
		return
	}

	f, err := os.Open(file)
	if err != nil {
		errors.ErrNotFound.Write(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		errors.ErrInternalServer.Write(w, r)
		return
	}

	h := w.Header()
	h.Set("Cache-Control", cacheControlFor(file))
	overlayHeaders(h, route.Headers)
	st.CSP.Apply(h)
	// ServeContent infers the content type from the file extension and
	// handles range and conditional requests.
	http.ServeContent(w, r, filepath.Base(file), info.ModTime(), f)
}

// resolveFile maps a request path onto the root, confining traversal and
// resolving directories to their index.html.
func resolveFile(root, remainder string) (string, bool) {
	clean := path.Clean("/" + remainder)
	file := filepath.Join(root, filepath.FromSlash(clean))

	info, err := os.Stat(file)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		file = filepath.Join(file, "index.html")
		if info, err = os.Stat(file); err != nil || info.IsDir() {
			return "", false
		}
	}
	return file, true
}

// spaEligible excludes API calls and asset requests from the index.html
// rewrite.
func spaEligible(remainder string) bool {
	return !strings.HasPrefix(remainder, "/api/") &&
		!strings.HasPrefix(remainder, "/static/") &&
		!strings.Contains(remainder, ".")
}

// cacheControlFor gives HTML a short TTL and everything else the
// immutable-asset TTL.
func cacheControlFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".html", ".htm":
		return "public, max-age=300"
	default:
		return "public, max-age=31536000"
	}
}

// serveRedirect issues the configured permanent redirect, carrying the
// request path and query along when the target has no path of its own.
func serveRedirect(w http.ResponseWriter, r *http.Request, route *router.Route) {
	target := route.RedirectTo
	if u, err := url.Parse(target); err == nil && u.Host != "" && (u.Path == "" || u.Path == "/") {
		u.Path = r.URL.Path
		u.RawQuery = r.URL.RawQuery
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
