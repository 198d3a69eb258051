package trustedproxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// contextKey is the type for the client IP context key.
type contextKey struct{}

// Validator decides whether a peer's forwarding headers may be honored and
// extracts the effective client IP.
type Validator struct {
	enabled     bool
	trustedNets []*net.IPNet

	totalRequests atomic.Int64
	honored       atomic.Int64 // times the IP came from headers rather than the socket
}

// New compiles a validator from a list of IPs and CIDRs. Bare IPs gain a
// /32 or /128 suffix.
func New(enabled bool, proxies []string) (*Validator, error) {
	nets := make([]*net.IPNet, 0, len(proxies))
	for _, entry := range proxies {
		cidr := entry
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return &Validator{enabled: enabled, trustedNets: nets}, nil
}

// IsTrusted reports whether the IP belongs to a configured proxy network.
// A disabled validator trusts nothing.
func (v *Validator) IsTrusted(ipStr string) bool {
	if !v.enabled {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range v.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP determines the effective client IP for the request. Forwarding
// headers are consulted only when the direct peer is a trusted proxy; the
// X-Forwarded-For chain is walked right to left and the first untrusted
// entry wins.
func (v *Validator) ClientIP(r *http.Request) string {
	v.totalRequests.Add(1)

	remoteIP := stripPort(r.RemoteAddr)
	if !v.IsTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := v.walkXFF(xff); ip != "" {
			v.honored.Add(1)
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		v.honored.Add(1)
		return xri
	}
	return remoteIP
}

// walkXFF returns the rightmost entry not belonging to a trusted network,
// or the leftmost entry when the whole chain is trusted.
func (v *Validator) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !v.IsTrusted(ip) {
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

// Middleware extracts the client IP once and stores it in the request
// context for the rest of the pipeline.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, v.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the client IP stored by Middleware. Returns empty
// string if not set.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Stats reports validator counters for the admin surface.
type Stats struct {
	Enabled       bool  `json:"enabled"`
	TrustedCIDRs  int   `json:"trusted_cidrs"`
	TotalRequests int64 `json:"total_requests"`
	Honored       int64 `json:"honored"`
}

func (v *Validator) Stats() Stats {
	return Stats{
		Enabled:       v.enabled,
		TrustedCIDRs:  len(v.trustedNets),
		TotalRequests: v.totalRequests.Load(),
		Honored:       v.honored.Load(),
	}
}

// stripPort removes the port from a host:port address.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
