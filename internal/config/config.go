// ABOUTME: Configuration loading and parsing for kilo-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kilo-gateway configuration
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Tailscale TailscaleConfig          `yaml:"tailscale"`
	Database  DatabaseConfig           `yaml:"database"`
	Auth      AuthConfig               `yaml:"auth"`
	Logging   LoggingConfig            `yaml:"logging"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Services  map[string]ServiceConfig `yaml:"services"`
	Routes    []RouteConfig            `yaml:"routes"`
	Proxy     ProxyConfig              `yaml:"proxy"`
	Prober    ProberConfig             `yaml:"prober"`
	Fleet     FleetConfig              `yaml:"fleet"`
	Alerts    AlertsConfig             `yaml:"alerts"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
}

// AuthConfig holds admin credential configuration.
// Any combination may be set; an empty value disables that authenticator.
type AuthConfig struct {
	AdminToken string `yaml:"admin_token"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // public Funnel, implies HTTPS
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// RelayService owns the WebSocket path and receives /api/agent/notify events.
	// Defaults to "socketio" when such a service is configured.
	RelayService string `yaml:"relay_service"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	BaseURL      string   `yaml:"base_url"`
	HealthPath   string   `yaml:"health_path"`
	Aliases      []string `yaml:"aliases"`
	Capabilities []string `yaml:"capabilities"`
	// Metrics marks the service as exporting circuit-breaker metrics for the admin summary.
	Metrics bool `yaml:"metrics"`
}

// RouteConfig declares an exact route that forwards to a service with a rewritten path.
// A pattern ending in "/" matches the whole subtree.
type RouteConfig struct {
	Path     string `yaml:"path"`
	Service  string `yaml:"service"`
	Rewrite  string `yaml:"rewrite"`
	Priority int    `yaml:"priority"`
}

// ProxyConfig holds connection manager settings
type ProxyConfig struct {
	MaxIdlePerBackend  int `yaml:"max_idle_per_backend"`
	MaxConnsPerBackend int `yaml:"max_conns_per_backend"`
	MaxIdleTotal       int `yaml:"max_idle_total"`
	BreakerFailures    int `yaml:"breaker_failures"`

	// Retries is the number of extra attempts for idempotent requests.
	// RetriesRaw is a pointer so an explicit 0 disables retries.
	Retries    int  `yaml:"-"`
	RetriesRaw *int `yaml:"retries"`

	Timeout        time.Duration `yaml:"-"`
	ConnectTimeout time.Duration `yaml:"-"`
	Backoff        time.Duration `yaml:"-"`
	DrainTimeout   time.Duration `yaml:"-"`
	BreakerOpen    time.Duration `yaml:"-"`

	TimeoutRaw        string `yaml:"timeout"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	BackoffRaw        string `yaml:"backoff"`
	DrainTimeoutRaw   string `yaml:"drain_timeout"`
	BreakerOpenRaw    string `yaml:"breaker_open"`
}

// ProberConfig holds health prober timing
type ProberConfig struct {
	Interval    time.Duration `yaml:"-"`
	Timeout     time.Duration `yaml:"-"`
	GracePeriod time.Duration `yaml:"-"`
	Cooldown    time.Duration `yaml:"-"`

	IntervalRaw    string `yaml:"interval"`
	TimeoutRaw     string `yaml:"timeout"`
	GracePeriodRaw string `yaml:"grace_period"`
	CooldownRaw    string `yaml:"alert_cooldown"`
}

// FleetConfig holds the orchestrator controller settings
type FleetConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Namespace        string `yaml:"namespace"`
	Kubeconfig       string `yaml:"kubeconfig"`
	RestartThreshold int32  `yaml:"restart_threshold"`
	MaxReplicas      int32  `yaml:"max_replicas"`
	DeleteGrace      int64  `yaml:"delete_grace_seconds"`

	Interval          time.Duration `yaml:"-"`
	Window            time.Duration `yaml:"-"`
	RestartCooldown   time.Duration `yaml:"-"`
	PendingAlertAfter time.Duration `yaml:"-"`
	AlertCooldown     time.Duration `yaml:"-"`

	IntervalRaw          string `yaml:"interval"`
	WindowRaw            string `yaml:"window"`
	RestartCooldownRaw   string `yaml:"restart_cooldown"`
	PendingAlertAfterRaw string `yaml:"pending_alert_after"`
	AlertCooldownRaw     string `yaml:"alert_cooldown"`
}

// AlertsConfig holds alert log and fan-out settings
type AlertsConfig struct {
	Capacity    int    `yaml:"capacity"`
	RelayURL    string `yaml:"relay_url"`
	ObserverURL string `yaml:"observer_url"`
}

// RateLimitConfig holds the per-client admin rate limit
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies lists peer IPs whose X-Forwarded-For header is honored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

const defaultRelayService = "socketio"

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyServiceURLOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyServiceURLOverrides lets <NAME>_URL environment variables replace a service base URL,
// the way the compose/k8s manifests inject addresses.
func (c *Config) applyServiceURLOverrides() {
	for name, svc := range c.Services {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_URL"
		if v := os.Getenv(key); v != "" {
			svc.BaseURL = v
			c.Services[name] = svc
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for name, svc := range c.Services {
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
			c.Services[name] = svc
		}
	}

	if c.Server.RelayService == "" {
		if _, ok := c.Services[defaultRelayService]; ok {
			c.Server.RelayService = defaultRelayService
		}
	}

	p := &c.Proxy
	setIntDefault(&p.MaxIdlePerBackend, 20)
	setIntDefault(&p.MaxConnsPerBackend, 50)
	setIntDefault(&p.MaxIdleTotal, 200)
	setIntDefault(&p.BreakerFailures, 5)
	p.Retries = 2
	if p.RetriesRaw != nil {
		p.Retries = *p.RetriesRaw
	}
	setDurationDefault(&p.Timeout, 120*time.Second)
	setDurationDefault(&p.ConnectTimeout, 10*time.Second)
	setDurationDefault(&p.Backoff, 500*time.Millisecond)
	setDurationDefault(&p.DrainTimeout, 10*time.Second)
	setDurationDefault(&p.BreakerOpen, 30*time.Second)

	pr := &c.Prober
	setDurationDefault(&pr.Interval, 15*time.Second)
	// An unset timeout never outlasts the interval.
	setDurationDefault(&pr.Timeout, min(3*time.Second, pr.Interval))
	setDurationDefault(&pr.Cooldown, 5*time.Minute)

	f := &c.Fleet
	if f.Namespace == "" {
		f.Namespace = "kilo-guardian"
	}
	if f.RestartThreshold == 0 {
		f.RestartThreshold = 5
	}
	if f.MaxReplicas == 0 {
		f.MaxReplicas = 10
	}
	setDurationDefault(&f.Interval, 30*time.Second)
	setDurationDefault(&f.Window, 10*time.Minute)
	setDurationDefault(&f.RestartCooldown, 10*time.Minute)
	setDurationDefault(&f.PendingAlertAfter, 10*time.Minute)
	setDurationDefault(&f.AlertCooldown, 30*time.Minute)

	setIntDefault(&c.Alerts.Capacity, 200)

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	setIntDefault(&c.RateLimit.Burst, 20)
}

func setIntDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDurationDefault(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// ServiceNames returns the configured service names in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if len(c.Services) == 0 {
		return errors.New("at least one service is required")
	}

	seen := make(map[string]string)
	for _, name := range c.ServiceNames() {
		svc := c.Services[name]
		if !serviceNamePattern.MatchString(name) {
			return fmt.Errorf("services.%s: invalid service name", name)
		}
		if svc.BaseURL == "" {
			return fmt.Errorf("services.%s.base_url is required", name)
		}
		if !strings.HasPrefix(svc.BaseURL, "http://") && !strings.HasPrefix(svc.BaseURL, "https://") {
			return fmt.Errorf("services.%s.base_url must be an http(s) URL", name)
		}
		if !strings.HasPrefix(svc.HealthPath, "/") {
			return fmt.Errorf("services.%s.health_path must start with /", name)
		}
		if owner, dup := seen[name]; dup {
			return fmt.Errorf("services.%s: name already used as alias of %s", name, owner)
		}
		seen[name] = name
		for _, alias := range svc.Aliases {
			if !serviceNamePattern.MatchString(alias) {
				return fmt.Errorf("services.%s: invalid alias %q", name, alias)
			}
			if owner, dup := seen[alias]; dup {
				return fmt.Errorf("services.%s: alias %q already used by %s", name, alias, owner)
			}
			if _, isService := c.Services[alias]; isService {
				return fmt.Errorf("services.%s: alias %q shadows a service", name, alias)
			}
			seen[alias] = name
		}
	}

	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes[%d].path must start with /", i)
		}
		if _, ok := seen[r.Service]; !ok {
			return fmt.Errorf("routes[%d].service %q is not a configured service", i, r.Service)
		}
	}

	if rs := c.Server.RelayService; rs != "" {
		if _, ok := seen[rs]; !ok {
			return fmt.Errorf("server.relay_service %q is not a configured service", rs)
		}
	}

	if c.Proxy.Retries < 0 {
		return errors.New("proxy.retries must not be negative")
	}
	if c.Proxy.MaxIdlePerBackend > c.Proxy.MaxConnsPerBackend {
		return errors.New("proxy.max_idle_per_backend must not exceed proxy.max_conns_per_backend")
	}
	if c.Prober.Timeout > c.Prober.Interval {
		return errors.New("prober.timeout must not exceed prober.interval")
	}
	if c.Fleet.RestartThreshold < 1 {
		return errors.New("fleet.restart_threshold must be positive")
	}

	return nil
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"proxy.timeout", cfg.Proxy.TimeoutRaw, &cfg.Proxy.Timeout},
		{"proxy.connect_timeout", cfg.Proxy.ConnectTimeoutRaw, &cfg.Proxy.ConnectTimeout},
		{"proxy.backoff", cfg.Proxy.BackoffRaw, &cfg.Proxy.Backoff},
		{"proxy.drain_timeout", cfg.Proxy.DrainTimeoutRaw, &cfg.Proxy.DrainTimeout},
		{"proxy.breaker_open", cfg.Proxy.BreakerOpenRaw, &cfg.Proxy.BreakerOpen},
		{"prober.interval", cfg.Prober.IntervalRaw, &cfg.Prober.Interval},
		{"prober.timeout", cfg.Prober.TimeoutRaw, &cfg.Prober.Timeout},
		{"prober.grace_period", cfg.Prober.GracePeriodRaw, &cfg.Prober.GracePeriod},
		{"prober.alert_cooldown", cfg.Prober.CooldownRaw, &cfg.Prober.Cooldown},
		{"fleet.interval", cfg.Fleet.IntervalRaw, &cfg.Fleet.Interval},
		{"fleet.window", cfg.Fleet.WindowRaw, &cfg.Fleet.Window},
		{"fleet.restart_cooldown", cfg.Fleet.RestartCooldownRaw, &cfg.Fleet.RestartCooldown},
		{"fleet.pending_alert_after", cfg.Fleet.PendingAlertAfterRaw, &cfg.Fleet.PendingAlertAfter},
		{"fleet.alert_cooldown", cfg.Fleet.AlertCooldownRaw, &cfg.Fleet.AlertCooldown},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
