package config

import (
	"time"
)

// RouteKind selects the handler for a route.
type RouteKind string

const (
	KindProxy         RouteKind = "proxy"
	KindCorsForwarder RouteKind = "cors-forwarder"
	KindStatic        RouteKind = "static"
	KindRedirect      RouteKind = "redirect"
)

// Config is the validated snapshot of the proxy configuration file.
// It is immutable after load; reloads produce a fresh snapshot.
type Config struct {
	Port      int `yaml:"port"`
	HTTPSPort int `yaml:"https_port"`

	LetsEncrypt LetsEncryptConfig `yaml:"letsencrypt"`
	Logging     LoggingConfig     `yaml:"logging"`
	Geo         GeoConfig         `yaml:"geo"`
	Cache       CacheConfig       `yaml:"cache"`
	Security    SecurityConfig    `yaml:"security"`
	Admin       AdminConfig       `yaml:"admin"`

	Routes []RouteConfig `yaml:"routes"`

	DataDir string `yaml:"data_dir"`
}

// RouteConfig defines one virtual host entry.
type RouteConfig struct {
	Name       string    `yaml:"name"`
	Host       string    `yaml:"host"`
	PathPrefix string    `yaml:"path_prefix"`
	Kind       RouteKind `yaml:"kind"`

	Upstream   string `yaml:"upstream"`
	StaticRoot string `yaml:"static_root"`
	RedirectTo string `yaml:"redirect_to"`

	RewriteRules []RewriteRule     `yaml:"rewrite_rules"`
	ReplaceRules []ReplaceRule     `yaml:"replace_rules"`
	Headers      map[string]string `yaml:"headers"`

	CORS      *CORSConfig      `yaml:"cors"`
	OAuth2    *OAuth2Config    `yaml:"oauth2"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	GeoFilter *GeoFilterConfig `yaml:"geo_filter"`
	CSP       *CSPConfig       `yaml:"csp"`

	RateLimit      *RateLimitConfig      `yaml:"rate_limit"`
	Compression    *CompressionConfig    `yaml:"compression"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`

	SPAFallback bool     `yaml:"spa_fallback"`
	PublicPaths []string `yaml:"public_paths"`
	SSL         bool     `yaml:"ssl"`

	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	Timeout time.Duration `yaml:"timeout"`
}

// RewriteRule rewrites the route remainder before upstream dispatch.
// The first matching rule wins.
type RewriteRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// ReplaceRule is applied globally, in order, to textual response bodies.
type ReplaceRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// CORSConfig controls preflight synthesis and response header overlay.
type CORSConfig struct {
	AllowOrigin      string   `yaml:"allow_origin"`  // literal origin or "*"
	AllowOrigins     []string `yaml:"allow_origins"` // membership list; echoed when matched
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
	PreflightStatus  int      `yaml:"preflight_status"` // default 204
}

// OAuth2Config configures the authorization-code + PKCE gate for a route.
type OAuth2Config struct {
	Provider     string   `yaml:"provider"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	CallbackPath string   `yaml:"callback_path"`
	BaseURL      string   `yaml:"base_url"`
	PKCE         bool     `yaml:"pkce"`

	AdditionalParams map[string]string `yaml:"additional_params"`

	SubscriptionKeyHeader string `yaml:"subscription_key_header"`
	SubscriptionKey       string `yaml:"subscription_key"`
}

// WebSocketConfig tunes the bidirectional WebSocket proxy.
type WebSocketConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default 30s
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"` // 0 disables keepalive
}

// GeoFilterConfig gates requests by resolved geolocation.
type GeoFilterConfig struct {
	Mode        string   `yaml:"mode"` // "allow" or "block"
	Countries   []string `yaml:"countries"`
	Regions     []string `yaml:"regions"`
	Cities      []string `yaml:"cities"`
	BlockStatus int      `yaml:"block_status"` // default 403
	RedirectTo  string   `yaml:"redirect_to"`  // 302 target instead of status
}

// CSPConfig plans Content-Security-Policy and companion headers.
type CSPConfig struct {
	Policy             string `yaml:"policy"`
	ReportOnly         bool   `yaml:"report_only"`
	FrameOptions       string `yaml:"frame_options"`
	ContentTypeOptions bool   `yaml:"content_type_options"`
	ReferrerPolicy     string `yaml:"referrer_policy"`
}

// RateLimitConfig is a per-route token-bucket limit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CompressionConfig enables response compression negotiation.
type CompressionConfig struct {
	Enabled   bool     `yaml:"enabled"`
	MinLength int      `yaml:"min_length"` // default 1024 bytes
	Types     []string `yaml:"types"`      // content-type prefixes; empty = text defaults
}

// CircuitBreakerConfig guards upstream fetches.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures to open
	Timeout     time.Duration `yaml:"timeout"`      // open → half-open
}

// LetsEncryptConfig holds ACME parameters.
type LetsEncryptConfig struct {
	Email    string `yaml:"email"`
	Staging  bool   `yaml:"staging"`
	CertDir  string `yaml:"cert_dir"`
	Disabled bool   `yaml:"disabled"`

	// DirectoryURL overrides the staging/production selection, used in tests.
	DirectoryURL string `yaml:"directory_url"`
}

// LoggingConfig configures the process-global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// GeoConfig points at the geolocation database.
type GeoConfig struct {
	Database string `yaml:"database"` // .mmdb or .ipdb path; empty disables lookups
}

// CacheConfig tunes the two-tier response cache.
type CacheConfig struct {
	MRUSize int           `yaml:"mru_size"` // default 100
	MaxAge  time.Duration `yaml:"max_age"`  // default 5m
	Dir     string        `yaml:"dir"`      // default <data_dir>/cache
}

// SecurityConfig carries the global CSP applied when a route has none.
type SecurityConfig struct {
	CSP *CSPConfig `yaml:"csp"`
}

// AdminConfig binds the management/status API. Disabled when Port is zero.
type AdminConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"` // default 127.0.0.1
}

// ProcessesConfig is the validated snapshot of the process table file.
type ProcessesConfig struct {
	PIDDir  string `yaml:"pid_dir"`
	LogsDir string `yaml:"logs_dir"`
	DataDir string `yaml:"data_dir"`

	Processes []ProcessConfig `yaml:"processes"`
}

// ProcessConfig describes one managed child process.
type ProcessConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Cwd     string   `yaml:"cwd"`
	Enabled bool     `yaml:"enabled"`

	Env         map[string]string `yaml:"env"`
	RequiredEnv []string          `yaml:"required_env"`
	EnvPolicy   string            `yaml:"env_policy"` // "fail" (default) or "warn"

	PIDFile string `yaml:"pid_file"`
	LogFile string `yaml:"log_file"`

	HealthCheck *HealthCheckConfig `yaml:"health_check"`
	Schedule    *ScheduleConfig    `yaml:"schedule"`

	RestartOnExit bool          `yaml:"restart_on_exit"`
	RestartDelay  time.Duration `yaml:"restart_delay"`
	MaxRestarts   int           `yaml:"max_restarts"`
}

// HealthCheckConfig polls a managed process over HTTP.
type HealthCheckConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// ScheduleConfig drives cron-triggered starts.
type ScheduleConfig struct {
	Cron          string        `yaml:"cron"`
	Timezone      string        `yaml:"timezone"`
	AutoStop      bool          `yaml:"auto_stop"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	SkipIfRunning bool          `yaml:"skip_if_running"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Port:      8080,
		HTTPSPort: 8443,
		Logging:   LoggingConfig{Level: "info"},
		Cache: CacheConfig{
			MRUSize: 100,
			MaxAge:  5 * time.Minute,
		},
		LetsEncrypt: LetsEncryptConfig{
			CertDir: "certs",
		},
		DataDir: "data",
		Admin:   AdminConfig{Host: "127.0.0.1"},
	}
}

// DefaultProcessesConfig returns a ProcessesConfig with defaults applied.
func DefaultProcessesConfig() *ProcessesConfig {
	return &ProcessesConfig{
		PIDDir:  "/tmp",
		LogsDir: "logs",
		DataDir: "data",
	}
}
