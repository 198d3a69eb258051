package registry

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/aussie/gateway/internal/matcher"
)

// Visibility controls who may reach a service or endpoint.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// EndpointType distinguishes plain HTTP endpoints from WebSocket upgrades.
type EndpointType string

const (
	TypeHTTP      EndpointType = "HTTP"
	TypeWebSocket EndpointType = "WEBSOCKET"
)

// serviceIDPattern constrains registered service identifiers.
var serviceIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// reservedIDs are path prefixes owned by the gateway itself and can never
// name a service.
var reservedIDs = map[string]bool{
	"admin":   true,
	"gateway": true,
	"q":       true,
}

// IsReservedID reports whether id is a reserved first path segment.
func IsReservedID(id string) bool {
	return reservedIDs[id]
}

// Service is a registered upstream. Values are immutable once stored;
// mutations go through Registry.Put with a fresh value.
type Service struct {
	ID                  string           `yaml:"id" json:"id"`
	DisplayName         string           `yaml:"display_name" json:"display_name"`
	BaseURL             string           `yaml:"base_url" json:"base_url"`
	Endpoints           []Endpoint       `yaml:"endpoints" json:"endpoints"`
	Access              *AccessConfig    `yaml:"access,omitempty" json:"access,omitempty"`
	RateLimit           *RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Sampling            *SamplingConfig  `yaml:"sampling,omitempty" json:"sampling,omitempty"`
	DefaultVisibility   Visibility       `yaml:"default_visibility" json:"default_visibility"`
	DefaultAuthRequired bool             `yaml:"default_auth_required" json:"default_auth_required"`
	RoutePrefix         string           `yaml:"route_prefix,omitempty" json:"route_prefix,omitempty"`
	RequireAudience     bool             `yaml:"require_audience" json:"require_audience"`
	Audience            string           `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// Endpoint is one path+method+type rule belonging to a service.
type Endpoint struct {
	ID                  string           `yaml:"id" json:"id"`
	Path                string           `yaml:"path" json:"path"`
	Methods             []string         `yaml:"methods" json:"methods"`
	Type                EndpointType     `yaml:"type" json:"type"`
	Visibility          Visibility       `yaml:"visibility,omitempty" json:"visibility,omitempty"`
	AuthRequired        *bool            `yaml:"auth_required,omitempty" json:"auth_required,omitempty"`
	PathRewrite         string           `yaml:"path_rewrite,omitempty" json:"path_rewrite,omitempty"`
	RateLimit           *RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Sampling            *SamplingConfig  `yaml:"sampling,omitempty" json:"sampling,omitempty"`
	RequiredPermissions []string         `yaml:"required_permissions,omitempty" json:"required_permissions,omitempty"`
	Audience            string           `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// AccessConfig restricts PRIVATE endpoints to allowlisted sources. When any
// list is populated, the caller must match at least one entry of at least
// one populated list.
type AccessConfig struct {
	AllowedIPs        []string `yaml:"allowed_ips,omitempty" json:"allowed_ips,omitempty"`
	AllowedDomains    []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	AllowedSubdomains []string `yaml:"allowed_subdomains,omitempty" json:"allowed_subdomains,omitempty"`
}

// Empty reports whether no allowlist is populated.
func (a *AccessConfig) Empty() bool {
	return a == nil ||
		(len(a.AllowedIPs) == 0 && len(a.AllowedDomains) == 0 && len(a.AllowedSubdomains) == 0)
}

// RateLimitConfig is a service- or endpoint-level rate limit override.
type RateLimitConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window" json:"requests_per_window"`
	WindowSeconds     int `yaml:"window_seconds" json:"window_seconds"`
	BurstCapacity     int `yaml:"burst_capacity" json:"burst_capacity"`
}

// SamplingConfig overrides the trace sampling ratio.
type SamplingConfig struct {
	Ratio float64 `yaml:"ratio" json:"ratio"`
}

// RouteMatch is the result of route resolution, alive for one pipeline pass.
type RouteMatch struct {
	Service     *Service
	Endpoint    *Endpoint
	MatchedPath string // path on the service, after any route prefix strip
	PathVars    map[string]string
	PassThrough bool // synthetic endpoint from first-segment service lookup
}

// AuthRequired resolves the endpoint's auth flag against the service default.
func (m *RouteMatch) AuthRequired() bool {
	if m.Endpoint != nil && m.Endpoint.AuthRequired != nil {
		return *m.Endpoint.AuthRequired
	}
	return m.Service.DefaultAuthRequired
}

// EffectiveVisibility resolves the endpoint's visibility against the service
// default. Services default to PUBLIC when unset.
func (m *RouteMatch) EffectiveVisibility() Visibility {
	if m.Endpoint != nil && m.Endpoint.Visibility != "" {
		return m.Endpoint.Visibility
	}
	if m.Service.DefaultVisibility != "" {
		return m.Service.DefaultVisibility
	}
	return VisibilityPublic
}

// Validate checks service invariants at registration time.
func (s *Service) Validate() error {
	if !serviceIDPattern.MatchString(s.ID) {
		return fmt.Errorf("service id %q must match [a-z0-9-]+", s.ID)
	}
	if IsReservedID(s.ID) {
		return fmt.Errorf("service id %q is reserved", s.ID)
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("service %q: base_url %q must be an absolute URI", s.ID, s.BaseURL)
	}

	switch s.DefaultVisibility {
	case "", VisibilityPublic, VisibilityPrivate:
	default:
		return fmt.Errorf("service %q: unknown visibility %q", s.ID, s.DefaultVisibility)
	}

	for i := range s.Endpoints {
		ep := &s.Endpoints[i]
		if _, err := matcher.Compile(ep.Path); err != nil {
			return fmt.Errorf("service %q endpoint %d: %w", s.ID, i, err)
		}
		switch ep.Type {
		case "", TypeHTTP, TypeWebSocket:
		default:
			return fmt.Errorf("service %q endpoint %q: unknown type %q", s.ID, ep.Path, ep.Type)
		}
		switch ep.Visibility {
		case "", VisibilityPublic, VisibilityPrivate:
		default:
			return fmt.Errorf("service %q endpoint %q: unknown visibility %q", s.ID, ep.Path, ep.Visibility)
		}
		if rl := ep.RateLimit; rl != nil && rl.WindowSeconds < 0 {
			return fmt.Errorf("service %q endpoint %q: negative rate limit window", s.ID, ep.Path)
		}
	}

	if rl := s.RateLimit; rl != nil {
		if rl.RequestsPerWindow < 0 || rl.BurstCapacity < 0 || rl.WindowSeconds < 0 {
			return fmt.Errorf("service %q: rate limit fields must be non-negative", s.ID)
		}
	}

	return nil
}

// TypeOrDefault returns the endpoint's type, defaulting to HTTP.
func (e *Endpoint) TypeOrDefault() EndpointType {
	if e.Type == "" {
		return TypeHTTP
	}
	return e.Type
}
