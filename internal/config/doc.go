// Package config handles configuration loading for relay-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. Both formats
// use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  reconnect_initial: "500ms"
//	  reconnect_max: "30s"
//	  reconnect_multiplier: 2
//	  max_reconnect_attempts: 20
//	  detach_policy: "keep"      # keep, teardown
//	  dedupe_ttl: "10m"
//	  logout_timeout: "10s"
//
// # Protocol
//
//	protocol:
//	  driver: "matrix"
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    callback_url: "https://relay.example.com/pair/matrix/callback"
//	    pairing_refresh: "60s"
//	    pairing_attempts: 5
//	    encryption: false
//
// Unset fields get defaults in Load; Validate reports the first problem found.
package config
