package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-dev/relay/pkg/auth"
	"github.com/vango-dev/relay/pkg/middleware"
	"github.com/vango-dev/relay/pkg/room"
)

// Config holds configuration for the relay's HTTP/WebSocket server.
type Config struct {
	// Addr is the address to listen on (e.g., ":8080" or "localhost:1234").
	// Default: ":1234".
	Addr string

	// Keepalive

	// PingInterval is the time between keepalive pings. A connection that
	// has not answered the previous ping when the next one is due is
	// closed, so a dead peer is dropped within two intervals.
	// Default: 30 seconds.
	PingInterval time.Duration

	// WriteTimeout bounds every WebSocket write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 16MB.
	MaxMessageSize int64

	// SendQueueSize is the per-connection outbound frame buffer. A
	// connection whose queue is full is closed as a slow consumer.
	// Default: 256.
	SendQueueSize int

	// MaxBodySize caps REST update bodies.
	// Default: 10MiB.
	MaxBodySize int64

	// Security

	// AllowedOrigins lists the origins accepted on the WebSocket upgrade.
	// Entries are matched against the Origin host, or the full origin
	// when they carry a scheme. "*" or an empty list allows every origin.
	AllowedOrigins []string

	// Auth configures the credential gate. Nil means open mode.
	Auth *auth.Config

	// Rooms configures the room manager.
	Rooms room.Config

	// Observability

	// Metrics receives relay events. Nil disables metrics and the
	// /metrics route.
	Metrics *middleware.Metrics

	// Tracing wraps REST requests in OpenTelemetry spans.
	// Default: true.
	Tracing bool

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Default limits.
const (
	DefaultAddr           = ":1234"
	DefaultPingInterval   = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 16 << 20
	DefaultSendQueueSize  = 256
	DefaultMaxBodySize    = 10 << 20

	// minSendQueue leaves room for the STEP1 and awareness snapshot that
	// are queued before the write loop starts.
	minSendQueue = 2
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           DefaultAddr,
		PingInterval:   DefaultPingInterval,
		WriteTimeout:   DefaultWriteTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		SendQueueSize:  DefaultSendQueueSize,
		MaxBodySize:    DefaultMaxBodySize,
		Rooms:          room.DefaultConfig(),
		Tracing:        true,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.AllowedOrigins = slices.Clone(c.AllowedOrigins)
	if c.Auth != nil {
		a := *c.Auth
		clone.Auth = &a
	}
	return &clone
}

// WithAddr sets the listen address and returns the config for chaining.
func (c *Config) WithAddr(addr string) *Config {
	c.Addr = addr
	return c
}

// WithAuth sets the auth gate and returns the config for chaining.
func (c *Config) WithAuth(a *auth.Config) *Config {
	c.Auth = a
	return c
}

// WithRooms sets the room manager configuration and returns the config
// for chaining.
func (c *Config) WithRooms(rc room.Config) *Config {
	c.Rooms = rc
	return c
}

// WithPingInterval sets the keepalive interval and returns the config
// for chaining.
func (c *Config) WithPingInterval(d time.Duration) *Config {
	c.PingInterval = d
	return c
}

// WithMetrics sets the metrics sink and returns the config for chaining.
func (c *Config) WithMetrics(m *middleware.Metrics) *Config {
	c.Metrics = m
	return c
}

// WithLogger sets the logger and returns the config for chaining.
func (c *Config) WithLogger(l zerolog.Logger) *Config {
	c.Logger = &l
	return c
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	c = c.Clone()
	defaults := DefaultConfig()
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaults.SendQueueSize
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = minSendQueue
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaults.MaxBodySize
	}
	return c
}

// checkOrigin returns the upgrader's origin policy for allowed.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}
