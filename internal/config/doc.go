// Package config handles configuration loading for orchestrad.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; a file only needs to
// set the fields it wants to change.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ORCHESTRA_CONFIG environment variable
//  2. ./orchestrad.yaml (current directory)
//  3. ~/.config/orchestra/orchestrad.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${ORCHESTRA_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_timeout: "60s"
//	  sweep_interval: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/orchestra/orchestra.db"
//
// Scheduling:
//
//	scheduler:
//	  tick: "3s"
//	  failure_threshold: 3
//
// Agent liveness:
//
//	agents:
//	  heartbeat_timeout: "60s"
//	  sweep_interval: "10s"
//
// Sessions:
//
//	sessions:
//	  idle_threshold: "30m"
//	  reap_interval: "1m"
//	  buffer_capacity: 2000
//
// Connectors:
//
//	connectors:
//	  connect_timeout: "10s"
//	  send_timeout: "5s"
//	  send_timeout_limit: 3
//	  reconnect: true
//	  backoff_base: "1s"
//	  backoff_max: "30s"
//	  max_attempts: 5
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file:
//	    path: "/var/log/orchestra/orchestrad.log"
//	    max_size_mb: 50
//	    max_backups: 5
//	    max_age_days: 30
//	    compress: true
//
// # Validation
//
// Load() validates:
//
//   - Database path presence
//   - Duration format validity
//   - Log level and format values
//   - Sweep interval not exceeding heartbeat timeout
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/orchestra/orchestrad.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
