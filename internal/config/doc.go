// Package config handles configuration loading for sheepfarm-hub.
//
// # Configuration File
//
// The path comes from the SHEEPFARM_CONFIG environment variable, falling
// back to $XDG_CONFIG_HOME/sheepfarm/hub.yaml. Files ending in .toml are
// decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
//	observers:
//	  password_hash: "${SHEEPFARM_OBSERVER_HASH}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"      # agents, observers, API, metrics
//	database:
//	  path: "/var/lib/sheepfarm/journal.db"   # empty or ":memory:" for in-memory
//	agents:
//	  heartbeat_interval: "10s"
//	  heartbeat_timeout: "30s"       # 0 disables the liveness sweep
//	  reconnect_grace_period: "5m"   # 0 keeps blocks on disconnected nodes
//	observers:
//	  queue_size: 64
//	  password_hash: ""              # bcrypt; see sheepfarm-admin hash-password
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//	events:
//	  nats_url: ""                   # optional NATS event bus
//	  subject_prefix: "sheepfarm"
package config
