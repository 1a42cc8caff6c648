// Package config handles configuration loading for session-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Missing values fall back to defaults and the
// result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from SESSION_GATEWAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/session-gateway/gateway.yaml
//
// When no file exists the CLI runs with Default().
//
// # Environment Variable Expansion
//
//	engine:
//	  api_key: "${ARK_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8787"
//	  grpc_addr: "127.0.0.1:8788"     # optional gRPC health
//	  native_socket: "/tmp/sg.sock"   # optional framed transport socket
//	  health_timeout: "2s"
//	  shutdown_timeout: "10s"
//
//	database:
//	  driver: "sqlite"                # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "session-gateway.db"
//
//	engine:
//	  provider: "ark"                 # ark or mock
//	  api_key: "${ARK_API_KEY}"
//	  default_model: "doubao-seed-1-6"
//	  startup_timeout: "10s"
//	  call_timeout: "30s"
//	  mock_token_delay: "30ms"
//
//	gateway:
//	  stream_buffer: 64
//	  replace_streams: false
//
//	native:
//	  max_frame_size: 1048576
//	  dedupe_ttl: "5m"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
