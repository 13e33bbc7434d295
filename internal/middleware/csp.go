package middleware

import (
	"net/http"

	"github.com/wudi/edgeproxy/internal/config"
)

// CompiledCSP applies Content-Security-Policy and companion security
// headers to outgoing responses. A route-level policy overrides the
// security-section default.
type CompiledCSP struct {
	header             string
	policy             string
	frameOptions       string
	contentTypeOptions bool
	referrerPolicy     string
}

// NewCSP compiles a CSP config. Returns nil when there is nothing to set.
func NewCSP(cfg *config.CSPConfig) *CompiledCSP {
	if cfg == nil {
		return nil
	}
	c := &CompiledCSP{
		header:             "Content-Security-Policy",
		policy:             cfg.Policy,
		frameOptions:       cfg.FrameOptions,
		contentTypeOptions: cfg.ContentTypeOptions,
		referrerPolicy:     cfg.ReferrerPolicy,
	}
	if cfg.ReportOnly {
		c.header = "Content-Security-Policy-Report-Only"
	}
	return c
}

// Apply sets the configured headers, replacing upstream values.
func (c *CompiledCSP) Apply(h http.Header) {
	if c == nil {
		return
	}
	if c.policy != "" {
		h.Set(c.header, c.policy)
	}
	if c.frameOptions != "" {
		h.Set("X-Frame-Options", c.frameOptions)
	}
	if c.contentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if c.referrerPolicy != "" {
		h.Set("Referrer-Policy", c.referrerPolicy)
	}
}
