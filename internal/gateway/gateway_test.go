package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussie/gateway/internal/auth"
	"github.com/aussie/gateway/internal/forwarded"
	"github.com/aussie/gateway/internal/proxy"
	"github.com/aussie/gateway/internal/ratelimit"
	"github.com/aussie/gateway/internal/registry"
	"github.com/aussie/gateway/internal/trustedproxy"
)

// upstream records what the backend received for assertions.
type upstream struct {
	server  *httptest.Server
	hits    atomic.Int64
	lastReq atomic.Value // string, method + " " + requestURI
}

func (u *upstream) lastURI() string {
	v, _ := u.lastReq.Load().(string)
	return v
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.lastReq.Store(r.Method + " " + r.URL.RequestURI())
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	t.Cleanup(u.server.Close)
	return u
}

type handlerOpts struct {
	platform  ratelimit.Platform
	headers   bool
	limits    Limits
	sessions  *auth.MemorySessions
	timeout   time.Duration
}

func newTestHandler(t *testing.T, services []*registry.Service, opts handlerOpts) *Handler {
	t.Helper()

	repo := registry.NewMemoryRepository()
	reg := registry.New(repo, registry.Config{TTL: time.Hour, MaxEntries: 64})
	for _, svc := range services {
		if err := reg.Put(t.Context(), svc); err != nil {
			t.Fatalf("put %s: %v", svc.ID, err)
		}
	}

	proxies, err := trustedproxy.New(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	store := ratelimit.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	if opts.platform.Default.RequestsPerWindow == 0 {
		opts.platform.Default = ratelimit.Limit{RequestsPerWindow: 1000, WindowSeconds: 60, BurstCapacity: 1000}
	}
	engine := ratelimit.NewEngine(store, opts.platform, true, nil)

	var validators []auth.TokenValidator
	if opts.sessions != nil {
		validators = append(validators, auth.NewSessionValidator(opts.sessions, 10))
	}
	authz := auth.NewAuthorizer(auth.Config{
		Validators: validators,
		Access:     auth.NewAccessChecker(),
	})

	preparer := proxy.NewPreparer(forwarded.Select(true), "gw.test")
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dispatch := proxy.NewDispatcher(http.DefaultTransport, timeout, nil)

	return NewHandler(reg, proxies, engine, authz, preparer, dispatch, nil, nil, PipelineConfig{
		Limits:           opts.limits,
		RateLimitHeaders: opts.headers,
	})
}

func passThroughService(id, baseURL string) *registry.Service {
	return &registry.Service{ID: id, BaseURL: baseURL}
}

func TestPassThroughProxy(t *testing.T) {
	up := newUpstream(t, nil)
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{headers: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/api/list", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := up.lastURI(); got != "GET /api/list" {
		t.Errorf("upstream saw %q", got)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers missing")
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGatewayModeRewrite(t *testing.T) {
	up := newUpstream(t, nil)
	svc := &registry.Service{
		ID:      "u",
		BaseURL: up.server.URL,
		Endpoints: []registry.Endpoint{{
			ID:          "get-user",
			Path:        "/api/v2/users/{id}",
			Methods:     []string{"GET"},
			PathRewrite: "/users/{id}",
		}},
	}
	h := newTestHandler(t, []*registry.Service{svc}, handlerOpts{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/api/v2/users/42?x=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := up.lastURI(); got != "GET /users/42?x=1" {
		t.Errorf("upstream saw %q", got)
	}
}

func TestGatewayModeRouteNotFound(t *testing.T) {
	up := newUpstream(t, nil)
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/api/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("gateway-mode miss = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("pass-through miss = %d", rec.Code)
	}
	if up.hits.Load() != 0 {
		t.Error("upstream should not be called")
	}
}

func TestRateLimitRejection(t *testing.T) {
	up := newUpstream(t, nil)
	svc := &registry.Service{
		ID:        "ping",
		BaseURL:   up.server.URL,
		RateLimit: &registry.RateLimitConfig{RequestsPerWindow: 2, WindowSeconds: 60, BurstCapacity: 2},
		Endpoints: []registry.Endpoint{{ID: "ping", Path: "/api/ping", Methods: []string{"GET"}}},
	}
	h := newTestHandler(t, []*registry.Service{svc}, handlerOpts{headers: true})

	wantRemaining := []string{"1", "0"}
	for i, want := range wantRemaining {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/api/ping", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: remaining = %q, want %q", i, got, want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/api/ping", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("remaining = %q", got)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if up.hits.Load() != 2 {
		t.Errorf("upstream hits = %d", up.hits.Load())
	}
}

func TestPrivateEndpointAccessControl(t *testing.T) {
	up := newUpstream(t, nil)
	svc := &registry.Service{
		ID:      "internal-api",
		BaseURL: up.server.URL,
		Access:  &registry.AccessConfig{AllowedIPs: []string{"10.0.0.0/8"}},
		Endpoints: []registry.Endpoint{{
			ID: "status", Path: "/status", Methods: []string{"GET"}, Visibility: registry.VisibilityPrivate,
		}},
	}
	h := newTestHandler(t, []*registry.Service{svc}, handlerOpts{})

	r := httptest.NewRequest(http.MethodGet, "/gateway/status", nil)
	r.RemoteAddr = "192.0.2.10:4711"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed source = %d", rec.Code)
	}
	if up.hits.Load() != 0 {
		t.Error("upstream must not be reached")
	}
	if !strings.Contains(rec.Body.String(), "Forbidden") {
		t.Errorf("body = %s", rec.Body.String())
	}

	r = httptest.NewRequest(http.MethodGet, "/gateway/status", nil)
	r.RemoteAddr = "10.1.2.3:4711"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed source = %d", rec.Code)
	}
}

func TestAuthRequiredRoute(t *testing.T) {
	up := newUpstream(t, nil)
	sessions := auth.NewMemorySessions()
	sessions.Add(&auth.Session{
		ID: "sess-1", UserID: "u-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	svc := &registry.Service{
		ID:                  "secure",
		BaseURL:             up.server.URL,
		DefaultAuthRequired: true,
	}
	h := newTestHandler(t, []*registry.Service{svc}, handlerOpts{sessions: sessions})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/secure/data", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials = %d", rec.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/secure/data", nil)
	r.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "sess-1"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid session = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestNotWebSocketEndpoint(t *testing.T) {
	up := newUpstream(t, nil)
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{})

	r := httptest.NewRequest(http.MethodGet, "/users/stream", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Not a WebSocket Endpoint") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUpstreamTimeout(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	})
	h := newTestHandler(t, []*registry.Service{passThroughService("slow", up.server.URL)},
		handlerOpts{timeout: 50 * time.Millisecond})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow/op", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Gateway Timeout") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHeaderLimits(t *testing.T) {
	up := newUpstream(t, nil)
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{limits: Limits{MaxHeaderSize: 64, MaxTotalHeadersSize: 256}})

	r := httptest.NewRequest(http.MethodGet, "/users/x", nil)
	r.Header.Set("X-Big", strings.Repeat("v", 100))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("oversized header = %d", rec.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/users/x", nil)
	for i := 0; i < 10; i++ {
		r.Header.Set("X-H-"+strconv.Itoa(i), strings.Repeat("v", 50))
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("total headers = %d", rec.Code)
	}
}

func TestBodyTooLarge(t *testing.T) {
	up := newUpstream(t, nil)
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{limits: Limits{MaxBodySize: 10}})

	r := httptest.NewRequest(http.MethodPost, "/users/upload", strings.NewReader(strings.Repeat("x", 32)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if up.hits.Load() != 0 {
		t.Error("upstream must not be reached")
	}
}

// A chunked body hides its length from the early check, so the limit trips
// while streaming upstream and must still come back as 413.
func TestBodyTooLargeChunked(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{limits: Limits{MaxBodySize: 10}})

	body := io.MultiReader(strings.NewReader(strings.Repeat("x", 64<<10)))
	r := httptest.NewRequest(http.MethodPost, "/users/upload", body)
	if r.ContentLength != -1 {
		t.Fatalf("ContentLength = %d, want -1", r.ContentLength)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestContentLengthPropagated(t *testing.T) {
	var gotLen int64
	var chunked bool
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		chunked = len(r.TransferEncoding) > 0
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/upload",
		strings.NewReader("0123456789")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotLen != 10 {
		t.Errorf("upstream ContentLength = %d, want 10", gotLen)
	}
	if chunked {
		t.Error("known-length body must not be re-sent chunked")
	}
}

func TestApplyServicesReconcilesRegistry(t *testing.T) {
	ctx := t.Context()
	reg := registry.New(registry.NewMemoryRepository(), registry.Config{TTL: time.Hour, MaxEntries: 64})
	if err := reg.Put(ctx, &registry.Service{ID: "legacy", BaseURL: "http://legacy.internal:3001"}); err != nil {
		t.Fatal(err)
	}

	app := &App{Registry: reg}
	app.ApplyServices(ctx, []registry.Service{
		{ID: "users", BaseURL: "http://users.internal:3001"},
	})

	if _, err := reg.FindPassThrough(ctx, "/users/api/list"); err != nil {
		t.Errorf("reloaded service not routable: %v", err)
	}
	if _, err := reg.FindPassThrough(ctx, "/legacy/api/list"); err != registry.ErrServiceNotFound {
		t.Errorf("removed service still routable, err = %v", err)
	}
}

func TestForwardingAndViaHeaders(t *testing.T) {
	var forwardedHeader, via string
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		forwardedHeader = r.Header.Get("Forwarded")
		via = r.Header.Get("Via")
		w.WriteHeader(http.StatusOK)
	})
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{})

	r := httptest.NewRequest(http.MethodGet, "/users/x", nil)
	r.RemoteAddr = "198.51.100.7:2000"
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !strings.Contains(forwardedHeader, "for=198.51.100.7") {
		t.Errorf("Forwarded = %q", forwardedHeader)
	}
	if !strings.Contains(via, "1.1 gw.test (Aussie)") {
		t.Errorf("Via = %q", via)
	}
}

func TestHopByHopStrippedFromResponse(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
	})
	h := newTestHandler(t, []*registry.Service{passThroughService("users", up.server.URL)},
		handlerOpts{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/x", nil))

	if rec.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop header leaked to client")
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header lost")
	}
}
