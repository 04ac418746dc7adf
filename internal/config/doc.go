// Package config handles configuration loading for coven-rag.
//
// # Overview
//
// Configuration is read from a YAML file, or a TOML file when the path ends
// in .toml. Environment variables are expanded before parsing, defaults are
// filled in, and the result is validated.
//
// # Configuration File
//
// DefaultPath resolves, in order:
//
//  1. Path from the COVEN_RAG_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/rag.yaml
//  3. ~/.config/coven/rag.yaml
//
// # Environment Variable Expansion
//
//	openai:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string. OPENAI_API_KEY also fills an
// empty openai.api_key, and COVEN_RAG_DB_PATH overrides database.path.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  read_header_timeout: "10s"
//	  shutdown_timeout: "30s"
//
//	database:
//	  driver: "sqlite"            # sqlite, postgres, pebble, memory
//	  path: "/var/lib/coven/rag.db"
//	  dsn: ""                     # postgres only
//
//	auth:
//	  jwt_secret: "${COVEN_RAG_JWT_SECRET}"
//	  trust_easy_auth: false
//	  required: false
//
//	openai:
//	  base_url: "https://api.openai.com/v1"
//	  model: "gpt-4o-mini"
//	  timeout: "60s"
//
//	search:
//	  endpoint: "https://example.search.windows.net"
//	  index: "docs"
//
//	approaches:
//	  ask: "rtr"                  # rtr, rrr, chat
//	  chat: "rrr"
//
//	events:
//	  redis:
//	    enabled: false
//	    addr: "localhost:6379"
//
// Tailscale, cors, rate_limit, logging and metrics sections are also
// available; see Config for the field list.
//
// # Validation
//
// Validate reports the first problem it finds: a missing listener, an
// unknown database driver or one without its path or dsn, a short JWT
// secret, a retrieval approach without a search index, or an unknown log
// format.
package config
