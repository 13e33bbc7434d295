package handler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stderrors "errors"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/auth"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/pdf"
	"github.com/wudi/edgeproxy/internal/router"
	"github.com/wudi/edgeproxy/internal/stats"
)

// Proxy is the reverse-proxy handler.
type Proxy struct {
	client    *http.Client
	converter pdf.Converter
	stats     stats.Recorder
	timeout   time.Duration
}

// NewProxy builds the reverse proxy from shared deps. Redirects from the
// upstream are passed through to the client, never followed.
func NewProxy(deps Deps) *Proxy {
	return &Proxy{
		client: &http.Client{
			Transport: deps.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		converter: deps.Converter,
		stats:     deps.Stats,
		timeout:   deps.Timeout,
	}
}

// replaceableTypes are the content types eligible for body replace rules.
var replaceableTypes = []string{"text/html", "application/json", "text/javascript"}

func isReplaceableType(contentType string) bool {
	for _, t := range replaceableTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// Serve proxies the request to the route upstream.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, st *RouteState, remainder string) {
	route := st.Route
	start := time.Now()

	target, err := joinURL(route.Upstream, route.RewritePath(remainder), r.URL.RawQuery)
	if err != nil {
		logging.Error("bad upstream url",
			zap.String("route", route.Name), zap.String("upstream", route.Upstream), zap.Error(err))
		errors.ErrInternalServer.Write(w, r)
		return
	}

	timeout := route.Config.Timeout
	if timeout == 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		errors.ErrInternalServer.Write(w, r)
		return
	}
	req.ContentLength = r.ContentLength
	prepareUpstreamHeaders(req, r, st.Route)
	if len(route.ReplaceRules) > 0 || st.Compressor != nil {
		// The body may be rewritten or re-encoded; let the transport
		// negotiate gzip and decode it transparently.
		req.Header.Del("Accept-Encoding")
	}

	resp, err := p.dispatch(st, req)
	if err != nil {
		p.stats.RecordConnectivity(route.Upstream, false)
		writeUpstreamError(w, r, err)
		p.stats.RecordRequest(route.Name, r.Method, http.StatusBadGateway, time.Since(start))
		return
	}
	defer resp.Body.Close()
	p.stats.RecordConnectivity(route.Upstream, true)

	p.writeResponse(w, r, st, resp)
	p.stats.RecordRequest(route.Name, r.Method, resp.StatusCode, time.Since(start))
}

// dispatch runs the upstream round trip, through the breaker when the
// route has one.
func (p *Proxy) dispatch(st *RouteState, req *http.Request) (*http.Response, error) {
	if st.Breaker == nil {
		return p.client.Do(req)
	}
	resp, err := st.Breaker.Execute(func() (*http.Response, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			// Count 5xx as breaker failures; the response is still
			// forwarded verbatim.
			return resp, errUpstream5xx
		}
		return resp, nil
	})
	if stderrors.Is(err, errUpstream5xx) && resp != nil {
		return resp, nil
	}
	return resp, err
}

var errUpstream5xx = stderrors.New("upstream returned 5xx")

// writeResponse forwards status, headers and body. Bodies are buffered
// only when replace rules, PDF conversion or compression apply.
func (p *Proxy) writeResponse(w http.ResponseWriter, r *http.Request, st *RouteState, resp *http.Response) {
	route := st.Route
	contentType := resp.Header.Get("Content-Type")
	convertTo := r.URL.Query().Get("convert")

	replace := len(route.ReplaceRules) > 0 && isReplaceableType(contentType)
	convert := convertTo != "" && strings.HasPrefix(contentType, "application/pdf")
	algo := st.Compressor.Negotiate(r)

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	overlayHeaders(h, route.Headers)
	st.CSP.Apply(h)

	if !replace && !convert && algo == "" {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.Error("reading upstream body",
			zap.String("route", route.Name), zap.Error(err))
		errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	if replace {
		body = applyReplaceRules(body, route.ReplaceRules)
	}
	if convert {
		converted, ct, err := p.converter.Convert(r.Context(), body, convertTo)
		if err != nil {
			logging.Warn("pdf conversion failed, serving original",
				zap.String("route", route.Name), zap.String("format", convertTo), zap.Error(err))
		} else {
			body = converted
			contentType = ct
			h.Set("Content-Type", ct)
		}
	}

	writeBody(w, r, st, resp.StatusCode, contentType, algo, body)
}

// writeBody emits a buffered body, compressing it when negotiated.
func writeBody(w http.ResponseWriter, r *http.Request, st *RouteState, status int, contentType, algo string, body []byte) {
	h := w.Header()
	if out, applied := st.Compressor.Compress(body, contentType, algo); applied {
		body = out
		h.Set("Content-Encoding", algo)
		h.Add("Vary", "Accept-Encoding")
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// applyReplaceRules runs every rule globally, in order.
func applyReplaceRules(body []byte, rules []router.CompiledRule) []byte {
	for _, rule := range rules {
		body = rule.Pattern.ReplaceAll(body, []byte(rule.Replacement))
	}
	return body
}

// prepareUpstreamHeaders copies request headers onto the outbound request,
// dropping hop-by-hop headers and adding forwarding metadata.
func prepareUpstreamHeaders(req *http.Request, r *http.Request, route *router.Route) {
	for k, vv := range r.Header {
		if k == "Host" || k == "Connection" {
			continue
		}
		req.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(req.Header)

	clientIP := middleware.ClientIPFromContext(r.Context())
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	if route.OAuth2 != nil {
		if s := middleware.SessionFromContext(r.Context()); s != nil {
			for k, v := range auth.UpstreamHeaders(s, route.OAuth2) {
				req.Header.Set(k, v)
			}
		}
	}
}

// copyResponseHeaders copies upstream response headers, dropping
// hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

func overlayHeaders(h http.Header, overlay map[string]string) {
	for k, v := range overlay {
		h.Set(k, v)
	}
}

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// writeUpstreamError maps a dispatch failure to its terminal response.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		errors.ErrGatewayTimeout.WriteJSON(w)
	case stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests):
		errors.ErrServiceUnavailable.WriteJSON(w)
	default:
		errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
	}
}

// joinURL joins the upstream base with the rewritten remainder, keeping
// the original query string.
func joinURL(upstream, remainder, rawQuery string) (string, error) {
	base, err := url.Parse(upstream)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", stderrors.New("upstream must be an absolute url")
	}
	joined := *base
	joined.Path = singleJoiningSlash(base.Path, remainder)
	joined.RawQuery = rawQuery
	return joined.String(), nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
