// Package config resolves the relay's runtime configuration.
//
// Values come from, highest priority first, command-line flags,
// RELAY_* environment variables, an optional config file (yaml, json or
// toml, chosen by extension) and built-in defaults. Nested keys map to
// environment variables by replacing dots with underscores:
//
//	addr: ":1234"
//	log:
//	  level: info
//	  format: json
//	auth:
//	  secret: ""             # RELAY_AUTH_SECRET
//	  validator_url: ""      # RELAY_AUTH_VALIDATOR_URL
//	  timeout: 5s
//	rooms:
//	  eviction_delay: 60s
//	  strict: false
//	ws:
//	  ping_interval: 30s
//	  write_timeout: 10s
//	  max_message_size: 16777216
//	  send_queue: 256
//	  allowed_origins: []
//	rest:
//	  max_body_size: 10485760
//	metrics:
//	  enabled: true
//	snapshot:
//	  backend: s3            # none, memory or s3
//	  bucket: relay-snapshots
//	  prefix: rooms/
//	  region: eu-west-1
//	  endpoint: ""
//	  path_style: false
//	debug:
//	  gops: false
package config
