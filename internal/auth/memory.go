package auth

import (
	"context"
	"sync"
)

// MemoryAPIKeys is an in-memory APIKeyRepository for single-process
// deployments and tests.
type MemoryAPIKeys struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
	byID   map[string]*APIKey
}

func NewMemoryAPIKeys() *MemoryAPIKeys {
	return &MemoryAPIKeys{
		byHash: make(map[string]*APIKey),
		byID:   make(map[string]*APIKey),
	}
}

// Add stores a key record.
func (m *MemoryAPIKeys) Add(key *APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[key.Hash] = key
	m.byID[key.ID] = key
}

func (m *MemoryAPIKeys) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (m *MemoryAPIKeys) GetByID(_ context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// MemorySessions is an in-memory SessionRepository.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]*Session)}
}

// Add stores a session record.
func (m *MemorySessions) Add(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
}

func (m *MemorySessions) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *MemorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}
