// Package config handles configuration loading for coven-video.
//
// # Configuration File
//
// Files ending in .toml are parsed as TOML; anything else as YAML. The
// command looks in, in order:
//
//  1. Path from COVEN_VIDEO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/video.yaml
//  3. ~/.config/coven/video.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string.
//
//	provider:
//	  api_key: "${TAVUS_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8090"
//	  allowed_origins: ["https://app.example.com"]
//
//	database:
//	  driver: "sqlite"          # sqlite, rest
//	  path: "~/.local/share/coven/video.db"
//
//	backend:
//	  url: "https://project.example.co"
//	  anon_key: "${BACKEND_ANON_KEY}"
//	  jwt_secret: "${BACKEND_JWT_SECRET}"  # at least 32 bytes
//
//	provider:
//	  api_key: "${TAVUS_API_KEY}"
//	  replica_id: "r123"
//	  persona_id: "p456"
//	  timeout: "30s"
//
//	embed:
//	  block_timeout: "5s"
//	  escalation_delay: "2s"
//	  end_on_window_close: false
//
//	launcher:
//	  compensate_orphans: true
//	  start_rate: 6             # per minute, per user
//	  start_burst: 2
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//	  file: ""                  # optional JSON log file
//
// # Validation
//
// Load rejects configs without a usable JWT secret or database. Provider
// credentials are not checked at load time; a session start without them
// fails with a configuration error naming the missing setting.
package config
