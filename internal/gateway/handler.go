// Package gateway composes the request pipeline: route resolution, rate
// limiting, authorization, request preparation and the proxied exchange.
package gateway

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/auth"
	gwerrors "github.com/aussie/gateway/internal/errors"
	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/metrics"
	"github.com/aussie/gateway/internal/middleware"
	"github.com/aussie/gateway/internal/proxy"
	"github.com/aussie/gateway/internal/ratelimit"
	"github.com/aussie/gateway/internal/registry"
	"github.com/aussie/gateway/internal/trustedproxy"
	"github.com/aussie/gateway/internal/websocket"
)

// gatewayPrefix selects gateway-mode routing; everything else is
// pass-through with the first segment naming the service.
const gatewayPrefix = "/gateway"

// Limits bounds inbound request size.
type Limits struct {
	MaxBodySize         int64
	MaxHeaderSize       int
	MaxTotalHeadersSize int
}

// PipelineConfig tunes the per-request pipeline.
type PipelineConfig struct {
	Limits           Limits
	RateLimitHeaders bool
	// WSConnLimit throttles upgrade attempts per client. Zero disables.
	WSConnLimit ratelimit.Limit
}

// Handler is the proxying http.Handler. All dependencies are plain values
// chosen at startup.
type Handler struct {
	registry *registry.Registry
	proxies  *trustedproxy.Validator
	limiter  *ratelimit.Engine
	authz    *auth.Authorizer
	preparer *proxy.Preparer
	dispatch *proxy.Dispatcher
	ws       *websocket.Proxy
	metrics  *metrics.Metrics
	cfg      PipelineConfig
}

// NewHandler wires the pipeline. registry, preparer and dispatch are
// required; the rest may be nil to disable that concern.
func NewHandler(reg *registry.Registry, proxies *trustedproxy.Validator,
	limiter *ratelimit.Engine, authz *auth.Authorizer,
	preparer *proxy.Preparer, dispatch *proxy.Dispatcher,
	ws *websocket.Proxy, m *metrics.Metrics, cfg PipelineConfig) *Handler {
	return &Handler{
		registry: reg,
		proxies:  proxies,
		limiter:  limiter,
		authz:    authz,
		preparer: preparer,
		dispatch: dispatch,
		ws:       ws,
		metrics:  m,
		cfg:      cfg,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	clientIP := trustedproxy.FromContext(ctx)
	if clientIP == "" && h.proxies != nil {
		clientIP = h.proxies.ClientIP(r)
	}

	if p := h.checkHeaders(r); p != nil {
		h.reject(w, r, "", start, p)
		return
	}

	match, p := h.resolve(r)
	if p != nil {
		h.reject(w, r, "", start, p)
		return
	}
	service := match.Service.ID

	var decision ratelimit.Decision
	limited := h.limiter != nil && h.limiter.Enabled()
	if limited {
		limit := h.limiter.Resolve(toLimit(match.Endpoint.RateLimit), toLimit(match.Service.RateLimit))
		key := ratelimit.Key{
			Type:     ratelimit.KeyHTTP,
			Service:  service,
			Endpoint: match.Endpoint.ID,
			Client:   clientIP,
		}
		decision = h.limiter.Check(ctx, key, limit)
		if h.cfg.RateLimitHeaders {
			setRateLimitHeaders(w.Header(), decision)
		}
		if !decision.Allowed {
			if h.metrics != nil {
				h.metrics.RateLimitExceeded.WithLabelValues(service, string(ratelimit.KeyHTTP)).Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			h.reject(w, r, service, start, gwerrors.ErrRateLimited)
			return
		}
	}

	token, userID, authSessionID := "", "", ""
	if h.authz != nil {
		res := h.authz.Authorize(ctx, r, match, clientIP)
		switch res.Kind {
		case auth.ResultNotRequired, auth.ResultAuthenticated:
			token = res.DownstreamToken
			if res.Identity != nil {
				userID = res.Identity.UserID
				authSessionID = res.Identity.SessionID
			}
		case auth.ResultUnauthorized:
			h.authFailure(service, "unauthorized")
			h.reject(w, r, service, start, gwerrors.ErrUnauthorized.WithDetail(res.Reason))
			return
		case auth.ResultForbidden:
			h.authFailure(service, "forbidden")
			h.reject(w, r, service, start, gwerrors.ErrForbidden.WithDetail(res.Reason))
			return
		default:
			h.authFailure(service, "bad_request")
			h.reject(w, r, service, start, gwerrors.ErrBadRequest.WithDetail(res.Reason))
			return
		}
	}

	if websocket.IsUpgrade(r) {
		if match.Endpoint.TypeOrDefault() != registry.TypeWebSocket {
			h.reject(w, r, service, start, gwerrors.ErrNotWebSocket)
			return
		}
		if limited && h.cfg.WSConnLimit.Valid() {
			key := ratelimit.Key{Type: ratelimit.KeyWSConn, Service: service, Client: clientIP}
			if d := h.limiter.Check(ctx, key, h.cfg.WSConnLimit); !d.Allowed {
				if h.metrics != nil {
					h.metrics.RateLimitExceeded.WithLabelValues(service, string(ratelimit.KeyWSConn)).Inc()
				}
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
				h.reject(w, r, service, start, gwerrors.ErrRateLimited)
				return
			}
		}
		if h.ws == nil {
			h.reject(w, r, service, start, gwerrors.ErrServiceUnavailable.WithDetail("websocket proxying disabled"))
			return
		}
		h.ws.Handle(w, r, match, token, userID, authSessionID, clientIP)
		return
	}
	if match.Endpoint.TypeOrDefault() == registry.TypeWebSocket {
		h.reject(w, r, service, start, gwerrors.ErrBadRequest.WithDetail("endpoint requires a websocket upgrade"))
		return
	}

	body := r.Body
	if max := h.cfg.Limits.MaxBodySize; max > 0 {
		if r.ContentLength > max {
			h.reject(w, r, service, start, gwerrors.ErrPayloadTooLarge)
			return
		}
		body = http.MaxBytesReader(nil, body, max)
	}
	reqBody := &countingReader{r: body}

	prep, err := h.preparer.Prepare(r, match, clientIP, token)
	if err != nil {
		logging.Error("request preparation failed",
			zap.String("service", service), zap.Error(err))
		h.reject(w, r, service, start, gwerrors.ErrInternal)
		return
	}

	resp, problem := h.dispatch.Dispatch(ctx, prep, reqBody)
	if problem != nil {
		h.recordUpstreamFailure(service, problem)
		h.reject(w, r, service, start, problem)
		return
	}
	defer resp.Body.Close()

	respHeader := w.Header()
	for name, vals := range resp.Header {
		respHeader[name] = vals
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		logging.Warn("response relay interrupted",
			zap.String("service", service), zap.Int64("written", written), zap.Error(err))
	}

	if h.metrics != nil {
		h.metrics.ObserveRequest(service, r.Method, resp.StatusCode, time.Since(start))
		h.metrics.AttributeTraffic(service, reqBody.n, written)
	}
}

// resolve maps the request path to a RouteMatch: gateway-mode under
// /gateway, pass-through otherwise.
func (h *Handler) resolve(r *http.Request) (*registry.RouteMatch, *gwerrors.Problem) {
	path := r.URL.Path
	var (
		match *registry.RouteMatch
		err   error
	)
	if path == gatewayPrefix || strings.HasPrefix(path, gatewayPrefix+"/") {
		stripped := strings.TrimPrefix(path, gatewayPrefix)
		if stripped == "" {
			stripped = "/"
		}
		match, err = h.registry.FindRoute(r.Context(), stripped, r.Method)
		if err == registry.ErrServiceNotFound {
			return nil, gwerrors.ErrRouteNotFound
		}
	} else {
		match, err = h.registry.FindPassThrough(r.Context(), path)
		if err == registry.ErrServiceNotFound {
			return nil, gwerrors.ErrServiceNotFound
		}
	}
	if err != nil {
		return nil, gwerrors.ErrStorageUnavailable
	}
	return match, nil
}

// checkHeaders enforces the per-header and total header size limits.
func (h *Handler) checkHeaders(r *http.Request) *gwerrors.Problem {
	perHeader := h.cfg.Limits.MaxHeaderSize
	total := h.cfg.Limits.MaxTotalHeadersSize
	if perHeader <= 0 && total <= 0 {
		return nil
	}
	sum := 0
	for name, vals := range r.Header {
		for _, v := range vals {
			size := len(name) + len(v)
			if perHeader > 0 && size > perHeader {
				return gwerrors.ErrHeaderTooLarge.WithDetail("header " + name + " exceeds limit")
			}
			sum += size
		}
	}
	if total > 0 && sum > total {
		return gwerrors.ErrHeaderTooLarge.WithDetail("combined header size exceeds limit")
	}
	return nil
}

// reject writes a problem response and records the terminal state.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, service string, start time.Time, p *gwerrors.Problem) {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		p = p.WithInstance(id)
	}
	p.WriteJSON(w)
	if h.metrics != nil {
		if service == "" {
			service = "unknown"
		}
		h.metrics.ObserveRequest(service, r.Method, p.Status, time.Since(start))
	}
}

func (h *Handler) authFailure(service, kind string) {
	if h.metrics != nil {
		h.metrics.AuthFailures.WithLabelValues(service, kind).Inc()
	}
}

// recordUpstreamFailure counts dispatch failures by classification. The
// timeout counter is incremented by the dispatcher itself, which knows the
// upstream host.
func (h *Handler) recordUpstreamFailure(service string, p *gwerrors.Problem) {
	if h.metrics == nil || p.Status != http.StatusBadGateway {
		return
	}
	class := strings.TrimPrefix(p.Detail, "upstream ")
	if class == "" {
		class = string(proxy.ClassConnectionError)
	}
	h.metrics.ProxyFailures.WithLabelValues(service, class).Inc()
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
}

// toLimit converts a stored override to an engine limit.
func toLimit(c *registry.RateLimitConfig) *ratelimit.Limit {
	if c == nil {
		return nil
	}
	return &ratelimit.Limit{
		RequestsPerWindow: c.RequestsPerWindow,
		WindowSeconds:     c.WindowSeconds,
		BurstCapacity:     c.BurstCapacity,
	}
}

// countingReader tallies bytes read from the request body for traffic
// attribution.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
