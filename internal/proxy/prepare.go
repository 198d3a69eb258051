// Package proxy prepares and dispatches outbound requests to upstream
// services.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussie/gateway/internal/forwarded"
	"github.com/aussie/gateway/internal/registry"
)

// hopByHopHeaders must not cross a proxy hop (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ViaProduct is the product token appended to the Via header.
const ViaProduct = "(Aussie)"

// PreparedRequest is the outbound form of an inbound request.
// ContentLength mirrors the inbound length; -1 means unknown (chunked).
type PreparedRequest struct {
	Method        string
	TargetURL     *url.URL
	Header        http.Header
	Host          string
	ContentLength int64
}

// Preparer builds outbound requests: target URI derivation, hop-by-hop
// stripping, Host rewriting, forwarding headers, Via and token injection.
type Preparer struct {
	builder     forwarded.Builder
	gatewayHost string
}

func NewPreparer(builder forwarded.Builder, gatewayHost string) *Preparer {
	return &Preparer{builder: builder, gatewayHost: gatewayHost}
}

// Prepare derives the outbound request for a resolved route. downstreamToken
// is the minted JWS, empty when none applies.
func (p *Preparer) Prepare(r *http.Request, match *registry.RouteMatch, clientIP, downstreamToken string) (*PreparedRequest, error) {
	target, err := TargetURL(match, r.URL.RawQuery)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		header[name] = append([]string(nil), values...)
	}
	StripHopByHop(header)
	header.Del("Host")
	header.Del("Content-Length")

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	p.builder.Append(header, clientIP, proto, r.Host)

	via := "1.1 " + p.gatewayHost + " " + ViaProduct
	if prev := header.Get("Via"); prev != "" {
		header.Set("Via", prev+", "+via)
	} else {
		header.Set("Via", via)
	}

	if downstreamToken != "" {
		header.Set("Authorization", "Bearer "+downstreamToken)
	}

	return &PreparedRequest{
		Method:        r.Method,
		TargetURL:     target,
		Header:        header,
		Host:          hostHeader(target),
		ContentLength: r.ContentLength,
	}, nil
}

// TargetURL derives the upstream URI: baseUrl joined with the endpoint's
// pathRewrite (with variable substitution) or the matched tail. The query
// string is carried verbatim.
func TargetURL(match *registry.RouteMatch, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(match.Service.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("service %q: bad base url: %w", match.Service.ID, err)
	}

	path := match.MatchedPath
	if match.Endpoint != nil && match.Endpoint.PathRewrite != "" {
		path = substituteVars(match.Endpoint.PathRewrite, match.PathVars)
	}

	target := *base
	target.Path = joinPath(base.Path, path)
	target.RawQuery = rawQuery
	return &target, nil
}

// substituteVars replaces {name} references in a rewrite template with the
// captured path variables.
func substituteVars(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{") {
		return template
	}
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return base + rest
}

// hostHeader renders the outbound Host, omitting default ports.
func hostHeader(u *url.URL) string {
	host := u.Host
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return u.Hostname()
	}
	return host
}

// StripHopByHop removes the hop-by-hop set plus any headers nominated by
// the Connection header itself.
func StripHopByHop(h http.Header) {
	for _, nominated := range h.Values("Connection") {
		for _, name := range strings.Split(nominated, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
