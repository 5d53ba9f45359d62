// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and service table validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
server:
  http_addr: "0.0.0.0:8000"
database:
  path: "./gateway.db"
services:
  meds:
    base_url: "http://kilo-meds:9000"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8000"

database:
  path: "./gateway.db"

auth:
  admin_token: "bootstrap"
  jwt_secret: "secret"

services:
  reminder:
    base_url: "http://kilo-reminder:9002"
    aliases: ["reminders"]
  ai_brain:
    base_url: "http://kilo-ai-brain:9004"
    health_path: "/status"
    aliases: ["chat"]
    capabilities: ["chat", "observations"]

routes:
  - path: "/chat/"
    service: "ai_brain"
    rewrite: "chat/"

proxy:
  timeout: "60s"
  connect_timeout: "5s"
  retries: 3
  backoff: "250ms"

prober:
  interval: "10s"
  timeout: "2s"
  grace_period: "30s"

fleet:
  enabled: true
  namespace: "kilo"
  restart_threshold: 4
  window: "5m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8000")
	}
	if cfg.Auth.AdminToken != "bootstrap" {
		t.Errorf("Auth.AdminToken = %q, want %q", cfg.Auth.AdminToken, "bootstrap")
	}

	brain := cfg.Services["ai_brain"]
	if brain.HealthPath != "/status" {
		t.Errorf("ai_brain.HealthPath = %q, want /status", brain.HealthPath)
	}
	if cfg.Services["reminder"].HealthPath != "/health" {
		t.Errorf("reminder.HealthPath = %q, want default /health", cfg.Services["reminder"].HealthPath)
	}
	if len(brain.Capabilities) != 2 {
		t.Errorf("ai_brain capabilities = %v, want 2 entries", brain.Capabilities)
	}

	if len(cfg.Routes) != 1 || cfg.Routes[0].Rewrite != "chat/" {
		t.Errorf("Routes = %+v, want one /chat/ route", cfg.Routes)
	}

	if cfg.Proxy.Timeout != 60*time.Second {
		t.Errorf("Proxy.Timeout = %v, want 60s", cfg.Proxy.Timeout)
	}
	if cfg.Proxy.ConnectTimeout != 5*time.Second {
		t.Errorf("Proxy.ConnectTimeout = %v, want 5s", cfg.Proxy.ConnectTimeout)
	}
	if cfg.Proxy.Retries != 3 {
		t.Errorf("Proxy.Retries = %d, want 3", cfg.Proxy.Retries)
	}
	if cfg.Proxy.Backoff != 250*time.Millisecond {
		t.Errorf("Proxy.Backoff = %v, want 250ms", cfg.Proxy.Backoff)
	}
	if cfg.Prober.GracePeriod != 30*time.Second {
		t.Errorf("Prober.GracePeriod = %v, want 30s", cfg.Prober.GracePeriod)
	}
	if !cfg.Fleet.Enabled || cfg.Fleet.Namespace != "kilo" || cfg.Fleet.RestartThreshold != 4 {
		t.Errorf("Fleet = %+v, want enabled kilo/4", cfg.Fleet)
	}
	if cfg.Fleet.Window != 5*time.Minute {
		t.Errorf("Fleet.Window = %v, want 5m", cfg.Fleet.Window)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"proxy.timeout", cfg.Proxy.Timeout, 120 * time.Second},
		{"proxy.connect_timeout", cfg.Proxy.ConnectTimeout, 10 * time.Second},
		{"proxy.max_idle_per_backend", cfg.Proxy.MaxIdlePerBackend, 20},
		{"proxy.max_conns_per_backend", cfg.Proxy.MaxConnsPerBackend, 50},
		{"proxy.retries", cfg.Proxy.Retries, 2},
		{"proxy.backoff", cfg.Proxy.Backoff, 500 * time.Millisecond},
		{"prober.interval", cfg.Prober.Interval, 15 * time.Second},
		{"prober.timeout", cfg.Prober.Timeout, 3 * time.Second},
		{"prober.grace_period", cfg.Prober.GracePeriod, time.Duration(0)},
		{"fleet.namespace", cfg.Fleet.Namespace, "kilo-guardian"},
		{"fleet.restart_threshold", cfg.Fleet.RestartThreshold, int32(5)},
		{"fleet.restart_cooldown", cfg.Fleet.RestartCooldown, 10 * time.Minute},
		{"alerts.capacity", cfg.Alerts.Capacity, 200},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_ExplicitZeroRetries(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
proxy:
  retries: 0
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.Retries != 0 {
		t.Errorf("Proxy.Retries = %d, want 0", cfg.Proxy.Retries)
	}
}

func TestLoad_ShortIntervalClampsDefaultTimeout(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
prober:
  interval: 1s
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Prober.Timeout != time.Second {
		t.Errorf("Prober.Timeout = %v, want 1s", cfg.Prober.Timeout)
	}

	// An explicit timeout is still checked against the interval.
	_, err = Load(writeConfig(t, minimalConfig+`
prober:
  interval: 1s
  timeout: 3s
`))
	if err == nil {
		t.Error("Load() accepted prober.timeout longer than prober.interval")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ADMIN_KEY", "from-env")
	t.Setenv("TEST_MEDS_HOST", "meds.internal")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8000"
database:
  path: "./gateway.db"
auth:
  admin_token: "${TEST_ADMIN_KEY}"
services:
  meds:
    base_url: "http://${TEST_MEDS_HOST}:9000"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.AdminToken != "from-env" {
		t.Errorf("Auth.AdminToken = %q, want from-env", cfg.Auth.AdminToken)
	}
	if got := cfg.Services["meds"].BaseURL; got != "http://meds.internal:9000" {
		t.Errorf("meds.BaseURL = %q, want expanded host", got)
	}
}

func TestLoad_ServiceURLOverride(t *testing.T) {
	t.Setenv("MEDS_URL", "http://127.0.0.1:19000")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Services["meds"].BaseURL; got != "http://127.0.0.1:19000" {
		t.Errorf("meds.BaseURL = %q, want override", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
prober:
  interval: "soon"
`))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "prober.interval") {
		t.Errorf("error = %v, want mention of prober.interval", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing http addr",
			yaml: `
database: {path: "./gw.db"}
services: {meds: {base_url: "http://meds:9000"}}
`,
			wantErr: "server.http_addr",
		},
		{
			name: "no services",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
`,
			wantErr: "at least one service",
		},
		{
			name: "invalid service name",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services: {"bad/name": {base_url: "http://x:1"}}
`,
			wantErr: "invalid service name",
		},
		{
			name: "non http base url",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services: {meds: {base_url: "meds:9000"}}
`,
			wantErr: "http(s) URL",
		},
		{
			name: "alias shadows service",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services:
  meds: {base_url: "http://meds:9000", aliases: ["cam"]}
  cam: {base_url: "http://cam:9007"}
`,
			wantErr: "shadows a service",
		},
		{
			name: "route to unknown service",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services: {meds: {base_url: "http://meds:9000"}}
routes:
  - {path: "/chat/", service: "ai_brain"}
`,
			wantErr: "not a configured service",
		},
		{
			name: "probe timeout longer than interval",
			yaml: `
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services: {meds: {base_url: "http://meds:9000"}}
prober: {interval: "1s", timeout: "5s"}
`,
			wantErr: "prober.timeout",
		},
		{
			name: "relay service not configured",
			yaml: `
server: {http_addr: ":8000", relay_service: "socketio"}
database: {path: "./gw.db"}
services: {meds: {base_url: "http://meds:9000"}}
`,
			wantErr: "server.relay_service",
		},
		{
			name: "tailscale without hostname",
			yaml: `
tailscale: {enabled: true}
database: {path: "./gw.db"}
services: {meds: {base_url: "http://meds:9000"}}
`,
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RelayServiceDefault(t *testing.T) {
	cfg, err := Parse([]byte(`
server: {http_addr: ":8000"}
database: {path: "./gw.db"}
services:
  meds: {base_url: "http://meds:9000"}
  socketio: {base_url: "http://kilo-socketio:9010"}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.RelayService != "socketio" {
		t.Errorf("Server.RelayService = %q, want socketio", cfg.Server.RelayService)
	}

	cfg, err = Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.RelayService != "" {
		t.Errorf("Server.RelayService = %q, want empty without a socketio service", cfg.Server.RelayService)
	}
}

func TestServiceNames_Sorted(t *testing.T) {
	cfg := &Config{Services: map[string]ServiceConfig{
		"voice": {}, "cam": {}, "meds": {},
	}}
	got := cfg.ServiceNames()
	want := []string{"cam", "meds", "voice"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ServiceNames() = %v, want %v", got, want)
		}
	}
}
