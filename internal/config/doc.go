// Package config handles configuration loading for kilo-gateway.
//
// # Overview
//
// Configuration is a single YAML file with ${VAR} environment expansion,
// parsed into Config, defaulted, and validated before anything starts.
//
// # Configuration File
//
// The server resolves the path in this order:
//
//  1. KILO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/kilo/gateway.yaml
//  3. ~/.config/kilo/gateway.yaml
//
// # Environment Overrides
//
// Values can reference the environment:
//
//	auth:
//	  admin_token: "${KILO_ADMIN_TOKEN}"
//
// A variable named <SERVICE>_URL (upper-cased, with - and . mapped to _)
// replaces that service's base_url after parsing, matching how the cluster
// manifests inject addresses.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  relay_service: "socketio"     # defaults to "socketio" when configured
//
//	services:
//	  meds:
//	    base_url: "http://meds:9001"
//	    health_path: "/health"      # default
//	    aliases: ["medications"]
//	    metrics: true               # scraped by /admin/metrics/summary
//
//	routes:
//	  - path: "/legacy/meds/"
//	    service: "meds"
//	    rewrite: "/"
//
//	proxy:
//	  timeout: "120s"
//	  retries: 2
//	  breaker_failures: 5
//	  breaker_open: "30s"
//
//	prober:
//	  interval: "15s"
//	  timeout: "3s"               # default, capped at interval
//	  grace_period: "0s"
//
//	fleet:
//	  enabled: true
//	  namespace: "kilo-guardian"
//	  restart_threshold: 5
//	  window: "10m"
//
//	alerts:
//	  relay_url: "http://socketio:9010"
//
//	rate_limit:
//	  requests_per_second: 10
//	  burst: 20
//
// Durations use time.ParseDuration syntax.
//
// # Validation
//
// Parse rejects missing listeners, duplicate or shadowing aliases, routes to
// unknown services, non-http(s) base URLs, and prober timeouts longer than
// the interval.
package config
