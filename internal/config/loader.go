package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader reads, expands and validates configuration files.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left verbatim.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(name); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch cfg.RateLimiting.Store {
	case "", "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("rate_limiting.store \"redis\" requires redis.address")
		}
	default:
		return fmt.Errorf("invalid rate_limiting.store %q (must be \"memory\" or \"redis\")", cfg.RateLimiting.Store)
	}
	if cfg.RateLimiting.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limiting.window_seconds must be > 0")
	}
	if cfg.RateLimiting.RequestsPerWindow < 0 || cfg.RateLimiting.BurstCapacity < 0 {
		return fmt.Errorf("rate_limiting values must be non-negative")
	}
	for _, ws := range []struct {
		name string
		c    WSRateLimit
	}{
		{"connection", cfg.RateLimiting.WebSocket.Connection},
		{"message", cfg.RateLimiting.WebSocket.Message},
	} {
		if ws.c.Enabled && (ws.c.RequestsPerWindow <= 0 || ws.c.WindowSeconds <= 0) {
			return fmt.Errorf("rate_limiting.websocket.%s: requests_per_window and window_seconds must be > 0 when enabled", ws.name)
		}
	}

	if cfg.TrustedProxy.Enabled && len(cfg.TrustedProxy.Proxies) == 0 {
		return fmt.Errorf("trusted_proxy.enabled requires at least one entry in trusted_proxy.proxies")
	}

	if cfg.Limits.MaxBodySize < 0 || cfg.Limits.MaxHeaderSize < 0 || cfg.Limits.MaxTotalHeadersSize < 0 {
		return fmt.Errorf("limits must be non-negative")
	}

	if cfg.WebSocket.MaxConnections < 0 {
		return fmt.Errorf("websocket.max_connections must be >= 0")
	}

	if cfg.Cache.Local.TTL < 0 {
		return fmt.Errorf("cache.local.ttl must be >= 0")
	}
	if cfg.Cache.Local.MaxEntries < 0 {
		return fmt.Errorf("cache.local.max_entries must be >= 0")
	}

	if cfg.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be >= 0")
	}
	if cfg.Auth.JWKS.URL != "" && cfg.Auth.JWKS.Issuer == "" {
		return fmt.Errorf("auth.jwks.url requires auth.jwks.issuer")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.enabled requires tracing.endpoint")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0.0 and 1.0")
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if seen[svc.ID] {
			return fmt.Errorf("duplicate service id: %s", svc.ID)
		}
		seen[svc.ID] = true
		if err := svc.Validate(); err != nil {
			return err
		}
	}

	return nil
}
