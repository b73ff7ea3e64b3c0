// Package config handles configuration loading for engine-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML, by .toml extension) file with
// environment variable expansion. A .env file is loaded first when present.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from ENGINE_GATEWAY_CONFIG environment variable
//  3. ~/.config/engine-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${ENGINE_GATEWAY_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8000"
//	  cors_origins: ["http://localhost:5173"]
//
//	database:
//	  driver: "sqlite"        # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "~/.local/share/engine-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${ENGINE_GATEWAY_JWT_SECRET}"  # >= 32 bytes, random if empty
//	  allowed_domain: "example.com"
//	  token_ttl: "168h"
//	  min_password_length: 6
//
//	upstream:
//	  project: "${GCP_PROJECT_ID}"
//	  location: "us-central1"
//	  request_timeout: "180s"
//
//	agents:
//	  discover: true
//	  cache_ttl: "5m"
//	  static:
//	    - name: "bq_agent"
//	      display_name: "BigQuery Agent"
//	      engine_id: "${BQ_AGENT_REASONING_ENGINE_ID}"
//
//	conversation:
//	  window: 6
//
//	history:
//	  default_limit: 50
//	  max_limit: 100
//	  save_timeout: "5s"
//	  save_notice_window: "2s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
