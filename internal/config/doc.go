// Package config handles configuration loading for agentrelay.
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
//  1. Path from AGENTRELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentrelay/config.yaml
//  3. ~/.config/agentrelay/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  integrity_key: "${AGENTRELAY_INTEGRITY_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bus:
//	  confirm_timeout: "30s"
//	  retention: "2160h"
//	  cleanup_interval: "1h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Message store:
//
//	database:
//	  path: "/var/lib/agentrelay/messages.db"
//	  integrity_key: "${AGENTRELAY_INTEGRITY_KEY}"  # empty disables signing
//
// Agent directory:
//
//	directory:
//	  path: "/etc/agentrelay/agents.toml"
//
// Bus timing:
//
//	bus:
//	  confirm_timeout: "30s"
//	  retention: "2160h"
//	  cleanup_interval: "1h"
//
// Polling runner:
//
//	runner:
//	  agent_id: "research-agent"
//	  poll_interval: "5s"
//	  status_every: 12
//	  failure_threshold: 3
//	  capabilities: ["research"]
//
// Credentials:
//
//	credentials:
//	  secrets_file: "/etc/agentrelay/secrets.env"
//	  cache_ttl: "5m"
//	  names: ["GITHUB_TOKEN", "DATABASE_URL"]
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a specific path:
//
//	cfg, err := config.Load("/etc/agentrelay/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
