package auth

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussie/gateway/internal/registry"
)

// AccessChecker enforces PRIVATE visibility allowlists: a caller must match
// at least one entry of at least one populated list.
type AccessChecker struct{}

func NewAccessChecker() *AccessChecker {
	return &AccessChecker{}
}

// Check returns a denial reason, or empty string when access is granted.
// Public routes and empty allowlists always pass.
func (c *AccessChecker) Check(match *registry.RouteMatch, clientIP string, r *http.Request) string {
	if match.EffectiveVisibility() != registry.VisibilityPrivate {
		return ""
	}
	access := match.Service.Access
	if access.Empty() {
		return ""
	}

	if matchIP(clientIP, access.AllowedIPs) {
		return ""
	}
	origin := originHost(r)
	if origin != "" {
		if matchDomain(origin, access.AllowedDomains) || matchSubdomain(origin, access.AllowedSubdomains) {
			return ""
		}
	}

	return "access to this endpoint is restricted to allowed sources"
}

// matchIP tests the client IP against literal and CIDR entries.
func matchIP(ipStr string, entries []string) bool {
	if len(entries) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil && ip != nil && ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if entry == ipStr {
			return true
		}
	}
	return false
}

func matchDomain(host string, domains []string) bool {
	for _, d := range domains {
		if strings.EqualFold(host, d) {
			return true
		}
	}
	return false
}

func matchSubdomain(host string, parents []string) bool {
	for _, parent := range parents {
		if strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(parent)) {
			return true
		}
	}
	return false
}

// originHost extracts the caller's claimed web origin, falling back to the
// Referer.
func originHost(r *http.Request) string {
	for _, header := range []string{"Origin", "Referer"} {
		raw := r.Header.Get(header)
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return ""
}
