package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrServiceNotFound is returned by repositories for unknown service ids.
var ErrServiceNotFound = errors.New("service not found")

// ErrStorageUnavailable wraps backend failures so callers can distinguish
// them from absence.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Repository is the persistence port behind the registry. Implementations
// live with the storage collaborators; the in-memory one below serves
// single-process deployments and tests.
type Repository interface {
	Get(ctx context.Context, id string) (*Service, error)
	Put(ctx context.Context, svc *Service) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Service, error)
}

// MemoryRepository is a concurrent in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	services map[string]*Service
	order    map[string]int // registration order for deterministic listing
	next     int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		services: make(map[string]*Service),
		order:    make(map[string]int),
	}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return svc, nil
}

func (r *MemoryRepository) Put(ctx context.Context, svc *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[svc.ID]; !exists {
		r.order[svc.ID] = r.next
		r.next++
	}
	r.services[svc.ID] = svc
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return ErrServiceNotFound
	}
	delete(r.services, id)
	delete(r.order, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.order[out[i].ID] < r.order[out[j].ID]
	})
	return out, nil
}
