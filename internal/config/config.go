// Package config defines the gateway's YAML configuration surface.
package config

import (
	"time"

	"github.com/aussie/gateway/internal/registry"
)

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Limits       LimitsConfig       `yaml:"limits"`
	Forwarding   ForwardingConfig   `yaml:"forwarding"`
	TrustedProxy TrustedProxyConfig `yaml:"trusted_proxy"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Cache        CacheConfig        `yaml:"cache"`
	Auth         AuthConfig         `yaml:"auth"`
	HTTP         HTTPConfig         `yaml:"http"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`

	// Services statically registers upstreams at startup; the admin
	// surface can add more at runtime through the registry.
	Services []registry.Service `yaml:"services"`
}

// ServerConfig tunes the inbound listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LimitsConfig bounds inbound request size.
type LimitsConfig struct {
	MaxBodySize         int64 `yaml:"max_body_size"`
	MaxHeaderSize       int   `yaml:"max_header_size"`
	MaxTotalHeadersSize int   `yaml:"max_total_headers_size"`
}

// ForwardingConfig selects the forwarding header dialect.
type ForwardingConfig struct {
	UseRFC7239 *bool `yaml:"use_rfc7239"`
}

// RFC7239 resolves the dialect, defaulting to RFC 7239.
func (c ForwardingConfig) RFC7239() bool {
	if c.UseRFC7239 == nil {
		return true
	}
	return *c.UseRFC7239
}

// TrustedProxyConfig lists the proxies whose forwarding headers are honored.
type TrustedProxyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Proxies []string `yaml:"proxies"`
}

// RateLimitingConfig configures the platform rate-limit defaults and caps.
type RateLimitingConfig struct {
	Enabled              *bool           `yaml:"enabled"`
	Store                string          `yaml:"store"` // memory or redis
	RequestsPerWindow    int             `yaml:"requests_per_window"`
	WindowSeconds        int             `yaml:"window_seconds"`
	BurstCapacity        int             `yaml:"burst_capacity"`
	MaxRequestsPerWindow int             `yaml:"max_requests_per_window"`
	MaxBurstCapacity     int             `yaml:"max_burst_capacity"`
	IncludeHeaders       *bool           `yaml:"include_headers"`
	WebSocket            WSRateLimits    `yaml:"websocket"`
}

// IsEnabled defaults to true.
func (c RateLimitingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Headers defaults to true.
func (c RateLimitingConfig) Headers() bool {
	return c.IncludeHeaders == nil || *c.IncludeHeaders
}

// WSRateLimits throttles WebSocket upgrades and per-session messages.
type WSRateLimits struct {
	Connection WSRateLimit `yaml:"connection"`
	Message    WSRateLimit `yaml:"message"`
}

// WSRateLimit is one WebSocket-specific bucket configuration.
type WSRateLimit struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerWindow int  `yaml:"requests_per_window"`
	WindowSeconds     int  `yaml:"window_seconds"`
	BurstCapacity     int  `yaml:"burst_capacity"`
}

// WebSocketConfig tunes the WebSocket proxy.
type WebSocketConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxLifetime      time.Duration `yaml:"max_lifetime"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// CacheConfig tunes the registry's local snapshot cache.
type CacheConfig struct {
	Local LocalCacheConfig `yaml:"local"`
}

// LocalCacheConfig is the in-process TTL cache.
type LocalCacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// AuthConfig configures credential validation and downstream token minting.
type AuthConfig struct {
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	SigningKeyFile string        `yaml:"signing_key_file"`
	KeyID          string        `yaml:"key_id"`
	JWKS           JWKSConfig    `yaml:"jwks"`
}

// JWKSConfig points at the identity provider's key set for inbound bearer
// token validation.
type JWKSConfig struct {
	URL             string        `yaml:"url"`
	Issuer          string        `yaml:"issuer"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// HTTPConfig tunes the outbound proxy client.
type HTTPConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig connects the distributed rate limiter and the event bus.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures the zap logger and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns the configuration used when fields are omitted.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxBodySize:         10 << 20,
			MaxHeaderSize:       16 << 10,
			MaxTotalHeadersSize: 64 << 10,
		},
		RateLimiting: RateLimitingConfig{
			Store:             "memory",
			RequestsPerWindow: 1000,
			WindowSeconds:     60,
			BurstCapacity:     1000,
		},
		WebSocket: WebSocketConfig{
			MaxConnections: 1000,
			IdleTimeout:    5 * time.Minute,
			MaxLifetime:    24 * time.Hour,
		},
		Cache: CacheConfig{
			Local: LocalCacheConfig{TTL: 30 * time.Second, MaxEntries: 1000},
		},
		Auth: AuthConfig{
			Issuer:   "aussie-gateway",
			TokenTTL: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			DialTimeout:    5 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
