// Package websocket proxies upgrade requests to upstream services and
// relays frames between the two sockets.
package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one live client/backend socket pair. Per-session state is
// owned by the session's relay goroutines; the table holds sessions by id
// so cross-session actions (logout, shutdown) post close intents instead
// of touching peers directly.
type Session struct {
	ID            string
	Service       string
	UserID        string
	AuthSessionID string

	client  *websocket.Conn
	backend *websocket.Conn

	createdAt    time.Time
	lastActivity atomic.Int64 // unix millis

	closeOnce sync.Once
	done      chan struct{}

	// serialize writes per socket; reads stay single-goroutine by design
	clientMu  sync.Mutex
	backendMu sync.Mutex
}

func newSession(id, service, userID, authSessionID string, client, backend *websocket.Conn) *Session {
	s := &Session{
		ID:            id,
		Service:       service,
		UserID:        userID,
		AuthSessionID: authSessionID,
		client:        client,
		backend:       backend,
		createdAt:     time.Now(),
		done:          make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.UnixMilli(s.lastActivity.Load()))
}

func (s *Session) age() time.Duration {
	return time.Since(s.createdAt)
}

// close sends a close frame with the given code to both sockets and tears
// them down. Safe to call from any goroutine, once wins.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(5 * time.Second)
		msg := websocket.FormatCloseMessage(code, reason)

		s.clientMu.Lock()
		s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		s.clientMu.Unlock()
		s.backendMu.Lock()
		s.backend.WriteControl(websocket.CloseMessage, msg, deadline)
		s.backendMu.Unlock()

		s.client.Close()
		s.backend.Close()
		close(s.done)
	})
}

func (s *Session) writeClient(messageType int, data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client.WriteMessage(messageType, data)
}

func (s *Session) writeBackend(messageType int, data []byte) error {
	s.backendMu.Lock()
	defer s.backendMu.Unlock()
	return s.backend.WriteMessage(messageType, data)
}

// Table is the process-wide session registry. Capacity is claimed with
// Reserve before the handshake so concurrent upgrades cannot overshoot the
// connection limit.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved int
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Reserve claims a slot when live sessions plus pending reservations are
// under max. max <= 0 means unlimited.
func (t *Table) Reserve(max int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > 0 && len(t.sessions)+t.reserved >= max {
		return false
	}
	t.reserved++
	return true
}

// Unreserve releases a reservation whose handshake failed.
func (t *Table) Unreserve() {
	t.mu.Lock()
	if t.reserved > 0 {
		t.reserved--
	}
	t.mu.Unlock()
}

// Add registers an established session, consuming its reservation.
func (t *Table) Add(s *Session) {
	t.mu.Lock()
	if t.reserved > 0 {
		t.reserved--
	}
	t.sessions[s.ID] = s
	t.mu.Unlock()
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Snapshot returns the current sessions. Callers act on the copies without
// holding the table lock.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
