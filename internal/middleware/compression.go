package middleware

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/edgeproxy/internal/config"
)

// algoOrder is the server-preferred algorithm order.
var algoOrder = []string{"br", "zstd", "gzip"}

// Compressor negotiates and applies response compression for one route.
// Bodies travel through the dispatch pipeline fully buffered, so the
// compressor works on byte slices rather than streams.
type Compressor struct {
	minLength int
	types     map[string]bool
	zstdPool  sync.Pool
}

// NewCompressor builds a compressor from config. Returns nil when
// compression is disabled.
func NewCompressor(cfg *config.CompressionConfig) *Compressor {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	c := &Compressor{
		minLength: cfg.MinLength,
		types:     make(map[string]bool),
	}
	if c.minLength <= 0 {
		c.minLength = 1024
	}
	if len(cfg.Types) > 0 {
		for _, t := range cfg.Types {
			c.types[strings.ToLower(t)] = true
		}
	} else {
		for _, t := range []string{
			"text/html", "text/css", "text/plain", "text/javascript",
			"application/javascript", "application/json",
			"application/xml", "text/xml", "image/svg+xml",
		} {
			c.types[t] = true
		}
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil)
			return enc
		},
	}
	return c
}

type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// Negotiate selects the compression algorithm for a request. Empty means
// identity.
func (c *Compressor) Negotiate(r *http.Request) string {
	if c == nil {
		return ""
	}
	ae := r.Header.Get("Accept-Encoding")
	if ae == "" {
		return ""
	}
	prefs := parseAcceptEncoding(ae)
	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}
	best := ""
	bestQ := -1.0
	for _, algo := range algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			best = algo
		}
	}
	return best
}

// compressibleType checks the media type against the configured set.
func (c *Compressor) compressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return c.types[strings.ToLower(ct)]
}

// Compress encodes body with algo when the response qualifies. The second
// return reports whether compression was applied; callers must set
// Content-Encoding and Vary themselves.
func (c *Compressor) Compress(body []byte, contentType, algo string) ([]byte, bool) {
	if c == nil || algo == "" || len(body) < c.minLength {
		return body, false
	}
	if !c.compressibleType(contentType) {
		return body, false
	}

	var buf bytes.Buffer
	switch algo {
	case "gzip":
		gz, _ := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if _, err := gz.Write(body); err != nil {
			return body, false
		}
		if err := gz.Close(); err != nil {
			return body, false
		}
	case "br":
		bw := brotli.NewWriter(&buf)
		if _, err := bw.Write(body); err != nil {
			return body, false
		}
		if err := bw.Close(); err != nil {
			return body, false
		}
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(&buf)
		if _, err := enc.Write(body); err != nil {
			c.zstdPool.Put(enc)
			return body, false
		}
		if err := enc.Close(); err != nil {
			c.zstdPool.Put(enc)
			return body, false
		}
		c.zstdPool.Put(enc)
	default:
		return body, false
	}
	return buf.Bytes(), true
}
