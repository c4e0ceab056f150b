// Package config handles configuration loading for coven-directline.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. When no file is found, FromEnv builds the same structure from
// environment variables. The package provides validation and defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DIRECTLINE_CONFIG environment variable
//  2. ./directline.yaml or ./directline.toml (current directory)
//  3. ~/.config/coven/directline.yaml
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	directline:
//	  secret: "${DIRECT_LINE_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// FromEnv reads ENTRA_TENANT_ID, ENTRA_CLIENT_ID, ENTRA_CLIENT_SECRET,
// DIRECT_LINE_SECRET, DIRECT_LINE_REGION, DIRECT_LINE_ENDPOINT,
// DIRECT_LINE_USER_ID, LOG_LEVEL and LOG_FILE. Enhanced authentication is on
// when ENTRA_CLIENT_ID is set.
//
// # Secret References
//
// identity.client_secret and directline.secret may hold "ssm:<parameter>".
// ResolveSecrets replaces them using a SecretResolver, normally the AWS SSM
// resolver from package secrets.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	directline:
//	  request_timeout: "30s"
//	  retry:
//	    base_delay: "500ms"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Identity:
//
//	identity:
//	  tenant_id: "${ENTRA_TENANT_ID}"
//	  client_id: "${ENTRA_CLIENT_ID}"
//	  client_secret: "ssm:/bots/entra-secret"  # optional
//	  flow: "interactive"                      # interactive, client_credentials
//	  scopes: ["profile", "openid"]
//	  interaction_timeout: "120s"              # at least 60s
//	  redirect_port: 8400
//
// Direct Line:
//
//	directline:
//	  secret: "${DIRECT_LINE_SECRET}"          # Required
//	  region: "global"                         # global, europe, india
//	  endpoint: ""                             # overrides region
//	  request_timeout: "30s"
//	  retry: {max_attempts: 1, base_delay: "500ms", max_delay: "10s", jitter: 0.2}
//	  rate_limit: {rps: 0, burst: 0}
//
// Session and scheduling:
//
//	session:
//	  user_id: ""                              # default dl_<random>
//	  enhanced_auth: true
//	  dedupe_ttl: "0s"                         # 0 disables
//	schedule:
//	  min_interval: "1s"
//	  max_interval: "10s"
//	  idle_timeout: "0s"
//	  refresh_interval: "1m"
//
// Storage, logging and metrics:
//
//	store:
//	  path: "~/.local/share/coven-directline/checkpoints.db"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//
// # Validation
//
// Validate returns the first failure as a configuration error:
//
//   - directline.secret is required
//   - region must be known unless an endpoint is given
//   - client_credentials needs identity.client_secret
//   - enhanced_auth needs identity.client_id and tenant_id
//   - identity.interaction_timeout must be at least 60s
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
