// Package config handles configuration loading for lab-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LAB_GATEWAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/lab-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	adapters:
//	  request_timeout: "${LAB_REQUEST_TIMEOUT}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	heartbeat:
//	  interval: "10s"
//	  stale_after: "90s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, WebSocket, and metrics
//
// Database:
//
//	database:
//	  path: "/var/lib/lab-gateway/gateway.db"
//
// Heartbeat sweep:
//
//	heartbeat:
//	  interval: "10s"
//	  miss_threshold: 3
//	  stale_after: "90s"
//
// Task scheduling:
//
//	orchestrator:
//	  queue_depth: 32
//	  max_attempts: 3
//	  stage_timeout: "2m"
//
// Message bus:
//
//	bus:
//	  queue_depth: 64
//	  resume_cache_size: 512
//	  resume_ttl: "10m"
//
// Batch experiments:
//
//	workflow:
//	  max_workers: 10
//	  results_dir: "results"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "lab-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/lab-gateway/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or start from defaults:
//
//	cfg := config.Default()
package config
