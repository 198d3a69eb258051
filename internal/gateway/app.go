package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/auth"
	"github.com/aussie/gateway/internal/config"
	"github.com/aussie/gateway/internal/events"
	"github.com/aussie/gateway/internal/forwarded"
	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/metrics"
	"github.com/aussie/gateway/internal/proxy"
	"github.com/aussie/gateway/internal/ratelimit"
	"github.com/aussie/gateway/internal/registry"
	"github.com/aussie/gateway/internal/tracing"
	"github.com/aussie/gateway/internal/trustedproxy"
	"github.com/aussie/gateway/internal/websocket"
)

// App bundles the long-lived pieces built from one configuration.
type App struct {
	Server   *Server
	Registry *registry.Registry
	Bus      events.Bus
}

// Build wires the whole pipeline from configuration. The returned App owns
// every long-lived component; Server.Shutdown tears them down.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	reg := registry.New(registry.NewMemoryRepository(), registry.Config{
		TTL:        cfg.Cache.Local.TTL,
		MaxEntries: cfg.Cache.Local.MaxEntries,
	})
	for i := range cfg.Services {
		if err := reg.Put(ctx, &cfg.Services[i]); err != nil {
			return nil, fmt.Errorf("register service %q: %w", cfg.Services[i].ID, err)
		}
	}

	proxies, err := trustedproxy.New(cfg.TrustedProxy.Enabled, cfg.TrustedProxy.Proxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxy config: %w", err)
	}

	m := metrics.NewDefault()

	var rdb redis.UniversalClient
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var store ratelimit.Store
	if cfg.RateLimiting.Store == "redis" {
		store = ratelimit.NewRedisStore(rdb)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	platform := ratelimit.Platform{
		Default: ratelimit.Limit{
			RequestsPerWindow: cfg.RateLimiting.RequestsPerWindow,
			WindowSeconds:     cfg.RateLimiting.WindowSeconds,
			BurstCapacity:     cfg.RateLimiting.BurstCapacity,
		},
		MaxRequestsPerWindow: cfg.RateLimiting.MaxRequestsPerWindow,
		MaxBurstCapacity:     cfg.RateLimiting.MaxBurstCapacity,
	}
	engine := ratelimit.NewEngine(store, platform, cfg.RateLimiting.IsEnabled(), func(error) {
		m.RateLimitErrors.Inc()
	})

	var bus events.Bus
	if rdb != nil {
		bus = events.NewRedisBus(rdb)
	} else {
		bus = events.NewMemoryBus()
	}
	reg.OnInvalidate(func(serviceID string) {
		if err := bus.PublishRegistryInvalidated(ctx, events.RegistryInvalidated{ServiceID: serviceID}); err != nil {
			logging.Warn("registry invalidation publish failed",
				zap.String("service", serviceID), zap.Error(err))
		}
	})
	bus.SubscribeRegistryInvalidated(func(ev events.RegistryInvalidated) {
		reg.Invalidate(ev.ServiceID)
	})

	authz, err := buildAuthorizer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	transportCfg := proxy.DefaultTransportConfig
	if cfg.HTTP.DialTimeout > 0 {
		transportCfg.DialTimeout = cfg.HTTP.DialTimeout
	}
	dispatcher := proxy.NewDispatcher(proxy.NewTransport(transportCfg), cfg.HTTP.RequestTimeout,
		func(host, phase string) {
			m.ProxyTimeouts.WithLabelValues(host, phase).Inc()
		})

	host, err := os.Hostname()
	if err != nil {
		host = "aussie-gateway"
	}
	preparer := proxy.NewPreparer(forwarded.Select(cfg.Forwarding.RFC7239()), host)

	ws := websocket.NewProxy(websocket.Config{
		MaxConnections:   cfg.WebSocket.MaxConnections,
		IdleTimeout:      cfg.WebSocket.IdleTimeout,
		MaxLifetime:      cfg.WebSocket.MaxLifetime,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
	}, engine, toWSLimit(cfg.RateLimiting.WebSocket.Message), m)
	bus.SubscribeSessionInvalidated(ws.OnSessionInvalidated)

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = tracing.New(ctx, tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
			Headers:     cfg.Tracing.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing init: %w", err)
		}
	}

	handler := NewHandler(reg, proxies, engine, authz, preparer, dispatcher, ws, m, PipelineConfig{
		Limits: Limits{
			MaxBodySize:         cfg.Limits.MaxBodySize,
			MaxHeaderSize:       cfg.Limits.MaxHeaderSize,
			MaxTotalHeadersSize: cfg.Limits.MaxTotalHeadersSize,
		},
		RateLimitHeaders: cfg.RateLimiting.Headers(),
		WSConnLimit:      toWSLimit(cfg.RateLimiting.WebSocket.Connection),
	})

	server := NewServer(ServerConfig{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, handler, proxies, tracer, ws, engine)

	return &App{Server: server, Registry: reg, Bus: bus}, nil
}

// ApplyServices reconciles the registry with a reloaded service list:
// every listed service is re-registered and services that disappeared from
// the configuration are removed. Registered services invalidate the route
// cache, so changes take effect on the next request.
func (a *App) ApplyServices(ctx context.Context, services []registry.Service) {
	want := make(map[string]bool, len(services))
	for i := range services {
		svc := &services[i]
		want[svc.ID] = true
		if err := a.Registry.Put(ctx, svc); err != nil {
			logging.Warn("service reload rejected",
				zap.String("service", svc.ID), zap.Error(err))
		}
	}

	existing, err := a.Registry.List(ctx)
	if err != nil {
		logging.Warn("service reload: listing registry failed", zap.Error(err))
		return
	}
	for _, svc := range existing {
		if want[svc.ID] {
			continue
		}
		if err := a.Registry.Delete(ctx, svc.ID); err != nil {
			logging.Warn("service reload: removal failed",
				zap.String("service", svc.ID), zap.Error(err))
		}
	}
}

// buildAuthorizer assembles the validator chain: session cookie/header,
// API keys, then JWKS-backed bearer tokens when configured.
func buildAuthorizer(ctx context.Context, cfg *config.Config) (*auth.Authorizer, error) {
	validators := []auth.TokenValidator{
		auth.NewSessionValidator(auth.NewMemorySessions(), 30),
		auth.NewAPIKeyValidator(auth.NewMemoryAPIKeys(), 20),
	}
	if cfg.Auth.JWKS.URL != "" {
		provider, err := auth.NewJWKSProvider(ctx, cfg.Auth.JWKS.URL, cfg.Auth.JWKS.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("jwks provider: %w", err)
		}
		validators = append(validators, auth.NewBearerValidator(provider.KeyFunc(), cfg.Auth.JWKS.Issuer, 10))
	}

	key, err := signingKey(cfg.Auth.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	minter := auth.NewMinter(key, cfg.Auth.KeyID, cfg.Auth.TokenTTL)

	return auth.NewAuthorizer(auth.Config{
		Validators: validators,
		RBAC:       auth.NewRBAC(auth.NewMemoryRoles(nil), auth.NewMemoryGroups(nil)),
		Minter:     minter,
		Access:     auth.NewAccessChecker(),
		Audience:   cfg.Auth.Audience,
	}), nil
}

// signingKey loads the downstream token key, or generates an ephemeral one
// so single-instance setups work without provisioning.
func signingKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		logging.Warn("auth.signing_key_file not set, generating an ephemeral signing key")
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: not an RSA key", path)
	}
	return key, nil
}

func toWSLimit(c config.WSRateLimit) ratelimit.Limit {
	if !c.Enabled {
		return ratelimit.Limit{}
	}
	return ratelimit.Limit{
		RequestsPerWindow: c.RequestsPerWindow,
		WindowSeconds:     c.WindowSeconds,
		BurstCapacity:     c.BurstCapacity,
	}
}
