package websocket

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	gwerrors "github.com/aussie/gateway/internal/errors"
	"github.com/aussie/gateway/internal/events"
	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/metrics"
	"github.com/aussie/gateway/internal/proxy"
	"github.com/aussie/gateway/internal/ratelimit"
	"github.com/aussie/gateway/internal/registry"
)

// LogoutReason is the close reason sent when a user's session is
// invalidated.
const LogoutReason = "Session logged out"

// Config controls the WebSocket proxy.
type Config struct {
	MaxConnections   int
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	PingInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 24 * time.Hour
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Proxy upgrades clients, dials backends and relays frames with
// per-message rate limiting.
type Proxy struct {
	cfg      Config
	table    *Table
	limiter  *ratelimit.Engine
	msgLimit ratelimit.Limit
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewProxy creates the proxy. msgLimit is the per-session message bucket;
// an invalid limit disables message throttling.
func NewProxy(cfg Config, limiter *ratelimit.Engine, msgLimit ratelimit.Limit, m *metrics.Metrics) *Proxy {
	cfg = cfg.withDefaults()
	return &Proxy{
		cfg:      cfg,
		table:    NewTable(),
		limiter:  limiter,
		msgLimit: msgLimit,
		metrics:  m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
			Error:            upgradeError,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
	}
}

// Table exposes the session table for the admin surface and shutdown.
func (p *Proxy) Table() *Table {
	return p.table
}

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Handle runs the upgrade pipeline for a resolved, authorized route:
// capacity check, backend dial, client upgrade, then the relay until either
// side closes. Auth and routing already happened; userID/authSessionID tag
// the session for logout propagation.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, match *registry.RouteMatch, downstreamToken, userID, authSessionID, clientID string) {
	if !p.table.Reserve(p.cfg.MaxConnections) {
		gwerrors.ErrServiceUnavailable.WithDetail("websocket capacity reached").WriteJSON(w)
		return
	}

	backendURL, err := backendTarget(match, r.URL.RawQuery)
	if err != nil {
		p.table.Unreserve()
		gwerrors.ErrInternal.WriteJSON(w)
		return
	}

	// Backend first: no client-side socket exists until the upstream is up.
	header := http.Header{}
	if downstreamToken != "" {
		header.Set("Authorization", "Bearer "+downstreamToken)
	}
	backend, resp, err := p.dialer.Dial(backendURL.String(), header)
	if err != nil {
		p.table.Unreserve()
		logging.Warn("websocket backend dial failed",
			zap.String("service", match.Service.ID), zap.String("url", backendURL.String()), zap.Error(err))
		gwerrors.ErrBadGateway.WithDetail("websocket backend unavailable").WriteJSON(w)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its problem response via upgradeError;
		// drop the backend.
		p.table.Unreserve()
		deadline := time.Now().Add(time.Second)
		backend.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "client upgrade failed"), deadline)
		backend.Close()
		return
	}

	sess := newSession(uuid.NewString(), match.Service.ID, userID, authSessionID, client, backend)
	p.table.Add(sess)
	if p.metrics != nil {
		p.metrics.ActiveWSSessions.Inc()
	}
	logging.Info("websocket session opened",
		zap.String("session", sess.ID), zap.String("service", sess.Service), zap.String("user", userID))

	go p.run(sess, clientID)
}

// run owns the session until close: two relay goroutines, keepalive pings
// and the idle and lifetime timers.
func (p *Proxy) run(sess *Session, clientID string) {
	defer p.cleanup(sess)

	msgKey := ratelimit.Key{
		Type:    ratelimit.KeyWSMsg,
		Service: sess.Service,
		Client:  clientID,
		Conn:    sess.ID,
	}

	clientDone := make(chan struct{})
	backendDone := make(chan struct{})

	// Client to backend, metered per message.
	go func() {
		defer close(clientDone)
		for {
			messageType, data, err := sess.client.ReadMessage()
			if err != nil {
				sess.close(mirrorCloseCode(err), closeReason(err))
				return
			}
			sess.touch()

			if p.limiter != nil && p.msgLimit.Valid() {
				d := p.limiter.Check(context.Background(), msgKey, p.msgLimit)
				if !d.Allowed {
					if p.metrics != nil {
						p.metrics.RateLimitExceeded.WithLabelValues(sess.Service, string(ratelimit.KeyWSMsg)).Inc()
					}
					sess.close(gwerrors.ClosePolicy, "Message rate limit exceeded")
					return
				}
			}

			if err := sess.writeBackend(messageType, data); err != nil {
				sess.close(gwerrors.CloseInternal, "backend write failed")
				return
			}
			if p.metrics != nil {
				p.metrics.WSMessagesRelayed.WithLabelValues(sess.Service, "inbound").Inc()
			}
		}
	}()

	// Backend to client.
	go func() {
		defer close(backendDone)
		for {
			messageType, data, err := sess.backend.ReadMessage()
			if err != nil {
				sess.close(mirrorCloseCode(err), closeReason(err))
				return
			}
			sess.touch()
			if err := sess.writeClient(messageType, data); err != nil {
				sess.close(gwerrors.CloseInternal, "client write failed")
				return
			}
			if p.metrics != nil {
				p.metrics.WSMessagesRelayed.WithLabelValues(sess.Service, "outbound").Inc()
			}
		}
	}()

	sess.client.SetPongHandler(func(string) error { sess.touch(); return nil })
	sess.backend.SetPongHandler(func(string) error { sess.touch(); return nil })

	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	lifetime := time.NewTimer(p.cfg.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-sess.done:
			<-clientDone
			<-backendDone
			return
		case <-lifetime.C:
			sess.close(websocket.CloseNormalClosure, "session lifetime exceeded")
		case <-ticker.C:
			if sess.idleFor() > p.cfg.IdleTimeout {
				sess.close(websocket.CloseNormalClosure, "idle timeout")
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			sess.clientMu.Lock()
			sess.client.WriteControl(websocket.PingMessage, nil, deadline)
			sess.clientMu.Unlock()
			sess.backendMu.Lock()
			sess.backend.WriteControl(websocket.PingMessage, nil, deadline)
			sess.backendMu.Unlock()
		}
	}
}

func (p *Proxy) cleanup(sess *Session) {
	p.table.Remove(sess.ID)
	if p.metrics != nil {
		p.metrics.ActiveWSSessions.Dec()
	}
	if p.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.limiter.RemoveMatching(ctx, sess.ID)
		cancel()
	}
	logging.Info("websocket session closed",
		zap.String("session", sess.ID), zap.String("service", sess.Service),
		zap.Duration("age", sess.age()))
}

// OnSessionInvalidated closes every session belonging to the logged-out
// user with a normal close.
func (p *Proxy) OnSessionInvalidated(ev events.SessionInvalidated) {
	for _, sess := range p.table.Snapshot() {
		if (ev.UserID != "" && sess.UserID == ev.UserID) ||
			(ev.AuthSessionID != "" && sess.AuthSessionID == ev.AuthSessionID) {
			sess.close(websocket.CloseNormalClosure, LogoutReason)
		}
	}
}

// Shutdown closes all sessions, used on graceful stop.
func (p *Proxy) Shutdown() {
	for _, sess := range p.table.Snapshot() {
		sess.close(websocket.CloseGoingAway, "gateway shutting down")
	}
}

// upgradeError renders handshake failures as problem responses instead of
// gorilla's plain-text errors. Only called before the connection is
// hijacked.
func upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	p := gwerrors.ErrInternal
	if status < http.StatusInternalServerError {
		p = gwerrors.ErrBadRequest
	}
	if reason != nil {
		p = p.WithDetail(reason.Error())
	}
	p.WriteJSON(w)
}

// backendTarget maps the HTTP target URI onto the ws scheme.
func backendTarget(match *registry.RouteMatch, rawQuery string) (*url.URL, error) {
	target, err := proxy.TargetURL(match, rawQuery)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	return target, nil
}

// mirrorCloseCode picks the close code forwarded to the peer: codes inside
// the allowed ranges propagate verbatim, everything else maps to 1011.
func mirrorCloseCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		if gwerrors.ValidPeerCloseCode(ce.Code) {
			return ce.Code
		}
	}
	return gwerrors.CloseInternal
}

func closeReason(err error) string {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Text
	}
	return ""
}
