package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate checks the proxy configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.HTTPSPort <= 0 || cfg.HTTPSPort > 65535 {
		return fmt.Errorf("invalid https_port: %d", cfg.HTTPSPort)
	}
	if cfg.Port == cfg.HTTPSPort {
		return fmt.Errorf("port and https_port must differ")
	}

	seen := make(map[string]bool)
	sslHosts := false
	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		if err := l.validateRoute(route); err != nil {
			return err
		}
		// Prefixes are unique per host; ties at lookup are impossible.
		key := route.Host + "\x00" + route.PathPrefix
		if seen[key] {
			return fmt.Errorf("route %s: duplicate host %q with path prefix %q", route.Name, route.Host, route.PathPrefix)
		}
		seen[key] = true
		if route.SSL {
			sslHosts = true
		}
	}

	if sslHosts && !cfg.LetsEncrypt.Disabled && cfg.LetsEncrypt.Email == "" {
		return fmt.Errorf("letsencrypt.email is required when ssl routes are configured")
	}

	if cfg.Cache.MRUSize <= 0 {
		cfg.Cache.MRUSize = 100
	}
	return nil
}

// validateRoute validates a single route configuration.
func (l *Loader) validateRoute(route *RouteConfig) error {
	if route.Name == "" {
		return fmt.Errorf("route with host %q: name is required", route.Host)
	}
	if route.Host == "" {
		return fmt.Errorf("route %s: host is required", route.Name)
	}

	if route.Kind == "" {
		route.Kind = KindProxy
	}

	switch route.Kind {
	case KindProxy:
		if route.Upstream == "" {
			return fmt.Errorf("route %s: upstream is required for proxy routes", route.Name)
		}
		if _, err := url.Parse(route.Upstream); err != nil {
			return fmt.Errorf("route %s: invalid upstream URL: %w", route.Name, err)
		}
	case KindStatic:
		if route.StaticRoot == "" {
			return fmt.Errorf("route %s: static_root is required for static routes", route.Name)
		}
	case KindRedirect:
		if route.RedirectTo == "" {
			return fmt.Errorf("route %s: redirect_to is required for redirect routes", route.Name)
		}
	case KindCorsForwarder:
		// Target arrives in the request; nothing required here.
	default:
		return fmt.Errorf("route %s: unknown kind %q", route.Name, route.Kind)
	}

	if route.PathPrefix != "" && !strings.HasPrefix(route.PathPrefix, "/") {
		return fmt.Errorf("route %s: path_prefix must start with /", route.Name)
	}

	// Rewrite and replace patterns must compile; invalid ones are a config
	// error rather than a silent runtime skip.
	for _, rule := range route.RewriteRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("route %s: invalid rewrite pattern %q: %w", route.Name, rule.Pattern, err)
		}
	}
	for _, rule := range route.ReplaceRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("route %s: invalid replace pattern %q: %w", route.Name, rule.Pattern, err)
		}
	}

	if gf := route.GeoFilter; gf != nil {
		if gf.Mode != "allow" && gf.Mode != "block" {
			return fmt.Errorf("route %s: geo_filter.mode must be allow or block", route.Name)
		}
	}

	if oa := route.OAuth2; oa != nil {
		if oa.ClientID == "" {
			return fmt.Errorf("route %s: oauth2.client_id is required", route.Name)
		}
		if oa.AuthURL == "" || oa.TokenURL == "" {
			return fmt.Errorf("route %s: oauth2.auth_url and oauth2.token_url are required", route.Name)
		}
		if oa.CallbackPath == "" {
			oa.CallbackPath = "/oauth2/callback"
		}
	}
	return nil
}

// validateProcesses checks the process table for errors.
func (l *Loader) validateProcesses(cfg *ProcessesConfig) error {
	seen := make(map[string]bool)
	for i := range cfg.Processes {
		p := &cfg.Processes[i]
		if p.ID == "" {
			return fmt.Errorf("process %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("process %s: duplicate id", p.ID)
		}
		seen[p.ID] = true

		if p.Command == "" {
			return fmt.Errorf("process %s: command is required", p.ID)
		}
		if p.EnvPolicy != "" && p.EnvPolicy != "fail" && p.EnvPolicy != "warn" {
			return fmt.Errorf("process %s: env_policy must be fail or warn", p.ID)
		}
		if sc := p.Schedule; sc != nil {
			if _, err := cron.ParseStandard(sc.Cron); err != nil {
				return fmt.Errorf("process %s: invalid cron expression %q: %w", p.ID, sc.Cron, err)
			}
		}
		if hc := p.HealthCheck; hc != nil {
			if hc.URL == "" {
				return fmt.Errorf("process %s: health_check.url is required", p.ID)
			}
			if hc.Retries <= 0 {
				hc.Retries = 3
			}
		}
	}
	return nil
}
