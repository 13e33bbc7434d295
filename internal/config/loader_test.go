package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
port: 8080
https_port: 8443
letsencrypt:
  email: ops@example.com
  staging: true
routes:
  - name: api
    host: a.test
    path_prefix: /api
    kind: proxy
    upstream: http://127.0.0.1:9000
    rewrite_rules:
      - pattern: "^/api/"
        replacement: "/v1/"
    ssl: true
  - name: app
    host: app.test
    kind: static
    static_root: /srv/app
    spa_fallback: true
  - name: old
    host: old.test
    kind: redirect
    redirect_to: https://app.test/
  - name: fwd
    host: cf.test
    path_prefix: /fwd
    kind: cors-forwarder
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Routes) != 4 {
		t.Fatalf("routes = %d, want 4", len(cfg.Routes))
	}
	if cfg.Routes[0].Kind != KindProxy || cfg.Routes[0].Upstream != "http://127.0.0.1:9000" {
		t.Errorf("proxy route parsed wrong: %+v", cfg.Routes[0])
	}
	if !cfg.Routes[1].SPAFallback {
		t.Error("spa_fallback not parsed")
	}
	if !cfg.LetsEncrypt.Staging {
		t.Error("letsencrypt.staging not parsed")
	}
	if cfg.Cache.MRUSize != 100 {
		t.Errorf("cache mru default = %d, want 100", cfg.Cache.MRUSize)
	}
}

func TestParseDefaultsKindToProxy(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(`
routes:
  - name: bare
    host: bare.test
    upstream: http://127.0.0.1:9000
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Routes[0].Kind != KindProxy {
		t.Errorf("kind = %q, want proxy", cfg.Routes[0].Kind)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "proxy without upstream",
			yaml: "routes:\n  - name: r\n    host: h.test\n    kind: proxy\n",
			want: "upstream is required",
		},
		{
			name: "redirect without target",
			yaml: "routes:\n  - name: r\n    host: h.test\n    kind: redirect\n",
			want: "redirect_to is required",
		},
		{
			name: "static without root",
			yaml: "routes:\n  - name: r\n    host: h.test\n    kind: static\n",
			want: "static_root is required",
		},
		{
			name: "duplicate host and prefix",
			yaml: "routes:\n  - name: a\n    host: h.test\n    upstream: http://u\n  - name: b\n    host: h.test\n    upstream: http://u\n",
			want: "duplicate host",
		},
		{
			name: "bad rewrite pattern",
			yaml: "routes:\n  - name: r\n    host: h.test\n    upstream: http://u\n    rewrite_rules:\n      - pattern: \"([\"\n        replacement: /\n",
			want: "invalid rewrite pattern",
		},
		{
			name: "bad geo mode",
			yaml: "routes:\n  - name: r\n    host: h.test\n    upstream: http://u\n    geo_filter:\n      mode: maybe\n",
			want: "geo_filter.mode",
		},
		{
			name: "missing name",
			yaml: "routes:\n  - host: h.test\n    upstream: http://u\n",
			want: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_UPSTREAM", "http://127.0.0.1:9999")
	cfg, err := NewLoader().Parse([]byte(`
routes:
  - name: r
    host: h.test
    upstream: ${TEST_UPSTREAM}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Routes[0].Upstream != "http://127.0.0.1:9999" {
		t.Errorf("upstream = %q", cfg.Routes[0].Upstream)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9080")
	t.Setenv("LETSENCRYPT_EMAIL", "override@example.com")
	t.Setenv("LETSENCRYPT_STAGING", "true")
	cfg, err := NewLoader().Parse([]byte("https_port: 8443\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 9080 {
		t.Errorf("port = %d, want 9080", cfg.Port)
	}
	if cfg.LetsEncrypt.Email != "override@example.com" || !cfg.LetsEncrypt.Staging {
		t.Errorf("letsencrypt overrides not applied: %+v", cfg.LetsEncrypt)
	}
}

func TestParseProcesses(t *testing.T) {
	cfg, err := NewLoader().ParseProcesses([]byte(`
pid_dir: /tmp/pids
processes:
  - id: worker
    command: /usr/bin/worker
    args: ["--port", "9000"]
    enabled: true
    restart_on_exit: true
    restart_delay: 5s
    max_restarts: 3
    health_check:
      url: http://127.0.0.1:9000/healthz
      interval: 10s
    schedule:
      cron: "0 3 * * *"
      timezone: UTC
      auto_stop: true
      max_duration: 1h
`))
	if err != nil {
		t.Fatalf("ParseProcesses: %v", err)
	}
	p := cfg.Processes[0]
	if p.RestartDelay != 5*time.Second {
		t.Errorf("restart_delay = %v", p.RestartDelay)
	}
	if p.HealthCheck.Retries != 3 {
		t.Errorf("health retries default = %d, want 3", p.HealthCheck.Retries)
	}
	if p.Schedule.MaxDuration != time.Hour {
		t.Errorf("max_duration = %v", p.Schedule.MaxDuration)
	}
}

func TestParseProcessesRejectsBadCron(t *testing.T) {
	_, err := NewLoader().ParseProcesses([]byte(`
processes:
  - id: w
    command: /bin/w
    schedule:
      cron: "not a cron"
`))
	if err == nil || !strings.Contains(err.Error(), "invalid cron expression") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseProcessesRejectsDuplicateID(t *testing.T) {
	_, err := NewLoader().ParseProcesses([]byte(`
processes:
  - id: w
    command: /bin/w
  - id: w
    command: /bin/w2
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("err = %v", err)
	}
}
