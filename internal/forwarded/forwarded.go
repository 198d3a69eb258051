// Package forwarded builds the proxy forwarding headers added to outbound
// requests: RFC 7239 Forwarded or the legacy X-Forwarded-* set.
package forwarded

import (
	"net"
	"net/http"
	"strings"
)

// Builder appends forwarding headers describing the inbound hop to an
// outbound header set.
type Builder interface {
	Append(out http.Header, clientIP, proto, host string)
}

// Select returns the RFC 7239 builder when useRFC7239 is set, otherwise the
// legacy X-Forwarded-* builder.
func Select(useRFC7239 bool) Builder {
	if useRFC7239 {
		return RFC7239Builder{}
	}
	return LegacyBuilder{}
}

// RFC7239Builder emits a single Forwarded element with for, proto and host
// parameters, appended to any existing header value.
type RFC7239Builder struct{}

func (RFC7239Builder) Append(out http.Header, clientIP, proto, host string) {
	var b strings.Builder
	b.WriteString("for=")
	b.WriteString(quoteParam(forNode(clientIP)))
	if proto != "" {
		b.WriteString(";proto=")
		b.WriteString(quoteParam(proto))
	}
	if host != "" {
		b.WriteString(";host=")
		b.WriteString(quoteParam(host))
	}

	element := b.String()
	if prev := out.Get("Forwarded"); prev != "" {
		out.Set("Forwarded", prev+", "+element)
	} else {
		out.Set("Forwarded", element)
	}
}

// forNode renders an IP as an RFC 7239 node identifier. IPv6 addresses are
// bracketed, which also forces quoting.
func forNode(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return "[" + ip + "]"
	}
	return ip
}

// quoteParam wraps a parameter value in a quoted-string when it contains
// characters that are not valid in a bare token.
func quoteParam(v string) string {
	if v == "" || strings.ContainsAny(v, `:[];, "`) {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}

// LegacyBuilder emits the de-facto X-Forwarded-For/Host/Proto headers. The
// client IP is appended to any existing X-Forwarded-For chain.
type LegacyBuilder struct{}

func (LegacyBuilder) Append(out http.Header, clientIP, proto, host string) {
	if prev := out.Get("X-Forwarded-For"); prev != "" {
		out.Set("X-Forwarded-For", prev+", "+clientIP)
	} else {
		out.Set("X-Forwarded-For", clientIP)
	}
	if host != "" {
		out.Set("X-Forwarded-Host", host)
	}
	if proto != "" {
		out.Set("X-Forwarded-Proto", proto)
	}
}
