package handler

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/cache"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/stats"
)

// Forwarder fetches arbitrary targets named by the request and relays
// them with CORS headers applied. GET responses are cached keyed by
// target, derived user id and client IP.
type Forwarder struct {
	proxy *Proxy
	cache *cache.Cache
	stats stats.Recorder
}

// NewForwarder builds the CORS forwarder sharing the proxy's client.
func NewForwarder(deps Deps, proxy *Proxy) *Forwarder {
	return &Forwarder{
		proxy: proxy,
		cache: deps.Cache,
		stats: deps.Stats,
	}
}

// targetFromRequest decodes the base64 url or target query parameter.
func targetFromRequest(r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		raw = r.URL.Query().Get("target")
	}
	if raw == "" {
		return "", false
	}
	decoded, err := decodeBase64(raw)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(decoded)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) (string, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return "", err
}

// Serve relays the request to the decoded target.
func (f *Forwarder) Serve(w http.ResponseWriter, r *http.Request, st *RouteState) {
	start := time.Now()
	route := st.Route

	target, ok := targetFromRequest(r)
	if !ok {
		errors.New(http.StatusBadRequest, errors.KindBadForwarderTarget,
			"missing or undecodable forward target").WriteJSON(w)
		return
	}

	clientIP := middleware.ClientIPFromContext(r.Context())
	userID := cache.DeriveUserID(r, clientIP)
	origin := r.Header.Get("Origin")

	cacheable := r.Method == http.MethodGet && f.cache != nil
	if cacheable {
		if entry, ok := f.cache.Get(r.Method, target, userID, clientIP); ok {
			f.stats.RecordCache(route.Name, true)
			f.writeEntry(w, r, st, entry, origin)
			f.stats.RecordRequest(route.Name, r.Method, entry.Status, time.Since(start))
			return
		}
		f.stats.RecordCache(route.Name, false)
	}

	timeout := route.Config.Timeout
	if timeout == 0 {
		timeout = f.proxy.timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		errors.New(http.StatusBadRequest, errors.KindBadForwarderTarget,
			"invalid forward target").WriteJSON(w)
		return
	}
	req.ContentLength = r.ContentLength
	prepareUpstreamHeaders(req, r, route)
	req.Header.Del("Cookie")
	req.Header.Del("Accept-Encoding")

	resp, err := f.proxy.dispatch(st, req)
	if err != nil {
		f.stats.RecordConnectivity(target, false)
		writeUpstreamError(w, r, err)
		f.stats.RecordRequest(route.Name, r.Method, http.StatusBadGateway, time.Since(start))
		return
	}
	defer resp.Body.Close()
	f.stats.RecordConnectivity(target, true)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.Error("reading forwarded body", zap.String("target", target), zap.Error(err))
		errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	contentType := resp.Header.Get("Content-Type")

	if len(route.ReplaceRules) > 0 && isReplaceableType(contentType) {
		body = applyReplaceRules(body, route.ReplaceRules)
	}
	if convertTo := r.URL.Query().Get("convert"); convertTo != "" && contentType == "application/pdf" {
		if converted, ct, err := f.proxy.converter.Convert(r.Context(), body, convertTo); err == nil {
			body = converted
			contentType = ct
		} else {
			logging.Warn("pdf conversion failed, serving original",
				zap.String("target", target), zap.Error(err))
		}
	}

	if cacheable && resp.StatusCode < http.StatusMultipleChoices {
		ttl := time.Duration(route.CacheMaxAge) * time.Second
		f.cache.SetWithTTL(r.Method, target, userID, clientIP, resp.StatusCode, resp.Header, body, contentType, ttl)
	}

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	f.applyCORS(st, h, origin)
	overlayHeaders(h, route.Headers)
	st.CSP.Apply(h)

	writeBody(w, r, st, resp.StatusCode, contentType, st.Compressor.Negotiate(r), body)
}

// writeEntry replays a cached response with CORS recomputed for the
// current origin.
func (f *Forwarder) writeEntry(w http.ResponseWriter, r *http.Request, st *RouteState, entry *cache.Entry, origin string) {
	h := w.Header()
	copyResponseHeaders(h, entry.Headers)
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	f.applyCORS(st, h, origin)
	overlayHeaders(h, st.Route.Headers)
	st.CSP.Apply(h)
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

// applyCORS overlays the route CORS policy, defaulting to echoing the
// request origin, or "*" when there is none.
func (f *Forwarder) applyCORS(st *RouteState, h http.Header, origin string) {
	if st.CORS != nil {
		st.CORS.ApplyHeaders(h, origin)
		return
	}
	if origin == "" {
		h.Set("Access-Control-Allow-Origin", "*")
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}
