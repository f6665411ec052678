package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vango-dev/relay/pkg/auth"
	"github.com/vango-dev/relay/pkg/room"
	"github.com/vango-dev/relay/pkg/server"
	"github.com/vango-dev/relay/pkg/snapshot"
)

const (
	// EnvPrefix prefixes every environment variable (RELAY_ADDR,
	// RELAY_AUTH_SECRET, ...).
	EnvPrefix = "RELAY"

	// Snapshot backends.
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Config is the relay's complete runtime configuration.
type Config struct {
	// Addr is the listen address.
	Addr string `mapstructure:"addr"`

	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	WS       WSConfig       `mapstructure:"ws"`
	REST     RESTConfig     `mapstructure:"rest"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	// Level is a zerolog level name (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// AuthConfig configures the credential gate. With neither Secret nor
// ValidatorURL the relay runs open.
type AuthConfig struct {
	Secret       string        `mapstructure:"secret"`
	ValidatorURL string        `mapstructure:"validator_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RoomsConfig configures the room manager.
type RoomsConfig struct {
	EvictionDelay time.Duration `mapstructure:"eviction_delay"`

	// Strict only serves rooms that have a stored snapshot. It requires
	// a snapshot backend.
	Strict bool `mapstructure:"strict"`
}

// WSConfig configures WebSocket connections.
type WSConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendQueue      int           `mapstructure:"send_queue"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RESTConfig configures the snapshot REST interface.
type RESTConfig struct {
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SnapshotConfig selects where room snapshots are persisted.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// DebugConfig enables diagnostics.
type DebugConfig struct {
	// Gops starts the gops agent.
	Gops bool `mapstructure:"gops"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"addr":               "addr",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"auth-secret":        "auth.secret",
	"auth-validator-url": "auth.validator_url",
	"eviction-delay":     "rooms.eviction_delay",
	"strict-rooms":       "rooms.strict",
	"ping-interval":      "ws.ping_interval",
	"allowed-origins":    "ws.allowed_origins",
	"metrics":            "metrics.enabled",
	"snapshot-backend":   "snapshot.backend",
	"snapshot-bucket":    "snapshot.bucket",
	"snapshot-prefix":    "snapshot.prefix",
	"snapshot-endpoint":  "snapshot.endpoint",
	"gops":               "debug.gops",
}

// setDefaults registers every key, so that environment variables are
// seen by Unmarshal even when no file or flag mentions them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", server.DefaultAddr)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.validator_url", "")
	v.SetDefault("auth.timeout", auth.DefaultTimeout)

	v.SetDefault("rooms.eviction_delay", room.DefaultEvictionDelay)
	v.SetDefault("rooms.strict", false)

	v.SetDefault("ws.ping_interval", server.DefaultPingInterval)
	v.SetDefault("ws.write_timeout", server.DefaultWriteTimeout)
	v.SetDefault("ws.max_message_size", server.DefaultMaxMessageSize)
	v.SetDefault("ws.send_queue", server.DefaultSendQueueSize)
	v.SetDefault("ws.allowed_origins", []string{})

	v.SetDefault("rest.max_body_size", server.DefaultMaxBodySize)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("snapshot.backend", BackendNone)
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.prefix", "rooms/")
	v.SetDefault("snapshot.region", "")
	v.SetDefault("snapshot.endpoint", "")
	v.SetDefault("snapshot.path_style", false)

	v.SetDefault("debug.gops", false)
}

// RegisterFlags defines the serve flags on fs. Flag defaults mirror the
// configuration defaults; only flags the user sets override other
// sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", server.DefaultAddr, "listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console, json)")
	fs.String("auth-secret", "", "static token required from clients")
	fs.String("auth-validator-url", "", "session endpoint that validates client tokens")
	fs.Duration("eviction-delay", room.DefaultEvictionDelay, "how long an empty room stays in memory")
	fs.Bool("strict-rooms", false, "only serve rooms that have a stored snapshot")
	fs.Duration("ping-interval", server.DefaultPingInterval, "WebSocket keepalive interval")
	fs.StringSlice("allowed-origins", nil, "origins allowed to open WebSocket connections")
	fs.Bool("metrics", true, "serve Prometheus metrics on /metrics")
	fs.Bool("gops", false, "start the gops diagnostics agent")
	RegisterSnapshotFlags(fs)
}

// RegisterSnapshotFlags defines only the snapshot backend flags, for
// commands that operate on the store directly.
func RegisterSnapshotFlags(fs *pflag.FlagSet) {
	fs.String("snapshot-backend", BackendNone, "snapshot backend (none, memory, s3)")
	fs.String("snapshot-bucket", "", "S3 bucket for snapshots")
	fs.String("snapshot-prefix", "rooms/", "object key prefix for snapshots")
	fs.String("snapshot-endpoint", "", "S3-compatible endpoint URL")
}

// Load resolves the configuration. Sources, highest first: flags the
// user set on fs, RELAY_* environment variables, the file at path (if
// any), then defaults. fs may be nil.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}
	switch c.Snapshot.Backend {
	case BackendNone, BackendMemory:
	case BackendS3:
		if c.Snapshot.Bucket == "" {
			errs = append(errs, errors.New("snapshot.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend %q: want none, memory or s3", c.Snapshot.Backend))
	}
	if c.Rooms.Strict && c.Snapshot.Backend == BackendNone {
		errs = append(errs, errors.New("rooms.strict requires a snapshot backend"))
	}
	for key, d := range map[string]time.Duration{
		"auth.timeout":         c.Auth.Timeout,
		"rooms.eviction_delay": c.Rooms.EvictionDelay,
		"ws.ping_interval":     c.WS.PingInterval,
		"ws.write_timeout":     c.WS.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AuthGate returns the auth configuration, or nil for open mode.
// A validator URL takes precedence over a static secret.
func (c *Config) AuthGate(client *http.Client) *auth.Config {
	switch {
	case c.Auth.ValidatorURL != "":
		return &auth.Config{
			Validator: auth.RemoteValidator(c.Auth.ValidatorURL, client),
			Timeout:   c.Auth.Timeout,
		}
	case c.Auth.Secret != "":
		return &auth.Config{Secret: c.Auth.Secret, Timeout: c.Auth.Timeout}
	default:
		return nil
	}
}

// SnapshotStore opens the configured snapshot backend. It returns nil
// for the "none" backend.
func (c *Config) SnapshotStore() (snapshot.Store, error) {
	switch c.Snapshot.Backend {
	case BackendMemory:
		return snapshot.NewMemoryStore(), nil
	case BackendS3:
		store, err := snapshot.NewS3Store(snapshot.S3Config{
			Bucket:       c.Snapshot.Bucket,
			Prefix:       c.Snapshot.Prefix,
			Region:       c.Snapshot.Region,
			Endpoint:     c.Snapshot.Endpoint,
			UsePathStyle: c.Snapshot.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// Server maps the configuration onto a server.Config. The caller wires
// in the logger, metrics and snapshot hooks.
func (c *Config) Server() *server.Config {
	cfg := server.DefaultConfig().WithAddr(c.Addr)
	cfg.PingInterval = c.WS.PingInterval
	cfg.WriteTimeout = c.WS.WriteTimeout
	cfg.MaxMessageSize = c.WS.MaxMessageSize
	cfg.SendQueueSize = c.WS.SendQueue
	cfg.MaxBodySize = c.REST.MaxBodySize
	cfg.AllowedOrigins = c.WS.AllowedOrigins
	cfg.Rooms.EvictionDelay = c.Rooms.EvictionDelay
	return cfg
}
