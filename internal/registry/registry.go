package registry

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/matcher"
)

// compiledRoute is one endpoint with its pre-compiled pattern and methods.
type compiledRoute struct {
	service  *Service
	endpoint *Endpoint
	pattern  *matcher.Pattern
	methods  matcher.MethodSet
	order    int // registration order, for tie-breaking
}

// snapshot is an immutable indexed view of the whole registry. Readers load
// it atomically and never take a lock.
type snapshot struct {
	services map[string]*Service
	routes   []compiledRoute // sorted by specificity desc, order asc
	builtAt  time.Time
}

// Config controls the registry's local cache.
type Config struct {
	TTL        time.Duration // snapshot freshness window (default 30s)
	MaxEntries int           // per-service LRU size (default 1024)
}

// Registry is the cache-and-store indexed view of registered services.
// Reads are served from an atomically replaced snapshot; writes go to the
// repository first, then invalidate the snapshot and notify peers.
type Registry struct {
	repo       Repository
	ttl        time.Duration
	byID       *expirable.LRU[string, *Service]
	snap       atomic.Pointer[snapshot]
	load       singleflight.Group
	invalidate func(serviceID string) // best-effort cross-instance notification
}

// New creates a registry over the given repository.
func New(repo Repository, cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Registry{
		repo: repo,
		ttl:  ttl,
		byID: expirable.NewLRU[string, *Service](maxEntries, nil, ttl),
	}
}

// OnInvalidate installs the callback used to publish invalidation events to
// other instances. Delivery is best-effort.
func (r *Registry) OnInvalidate(fn func(serviceID string)) {
	r.invalidate = fn
}

// FindService resolves a service by id, serving from the local cache when
// fresh.
func (r *Registry) FindService(ctx context.Context, id string) (*Service, error) {
	if svc, ok := r.byID.Get(id); ok {
		return svc, nil
	}

	v, err, _ := r.load.Do("svc:"+id, func() (any, error) {
		svc, err := r.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r.byID.Add(id, svc)
		return svc, nil
	})
	if err != nil {
		if err == ErrServiceNotFound {
			return nil, err
		}
		// Fall back to the stale snapshot while storage is down.
		if snap := r.snap.Load(); snap != nil {
			if svc, ok := snap.services[id]; ok {
				return svc, nil
			}
		}
		return nil, ErrStorageUnavailable
	}
	return v.(*Service), nil
}

// FindRoute matches a gateway-mode request path against every registered
// endpoint pattern. Among all matches the highest specificity wins; ties
// break on registration order. Returns ErrServiceNotFound when nothing
// matches.
func (r *Registry) FindRoute(ctx context.Context, path, method string) (*RouteMatch, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	// Routes are pre-sorted; first hit is the winner.
	for i := range snap.routes {
		cr := &snap.routes[i]
		if !cr.methods.Contains(method) {
			continue
		}
		matchPath := path
		if cr.service.RoutePrefix != "" {
			rest, ok := stripPrefixPath(cr.service.RoutePrefix, path)
			if !ok {
				continue
			}
			matchPath = rest
		}
		if vars, ok := cr.pattern.Match(matchPath); ok {
			return &RouteMatch{
				Service:     cr.service,
				Endpoint:    cr.endpoint,
				MatchedPath: matchPath,
				PathVars:    vars,
			}, nil
		}
	}
	return nil, ErrServiceNotFound
}

// passThroughEndpoint is the synthetic endpoint attached to pass-through
// matches: any method, any sub-path, service defaults for auth/visibility.
var passThroughEndpoint = Endpoint{
	ID:      "pass-through",
	Path:    "/**",
	Methods: []string{"*"},
}

// FindPassThrough resolves pass-through-mode routing: the first path segment
// names the service and any sub-path is forwarded. Reserved first segments
// never resolve.
func (r *Registry) FindPassThrough(ctx context.Context, path string) (*RouteMatch, error) {
	seg, rest := firstSegment(path)
	if seg == "" || IsReservedID(seg) {
		return nil, ErrServiceNotFound
	}

	svc, err := r.FindService(ctx, seg)
	if err != nil {
		return nil, err
	}

	return &RouteMatch{
		Service:     svc,
		Endpoint:    &passThroughEndpoint,
		MatchedPath: rest,
		PassThrough: true,
	}, nil
}

// Put validates and stores a service, then invalidates local and remote
// caches. The repository write happens first; cache invalidation follows so
// readers converge on the new value.
func (r *Registry) Put(ctx context.Context, svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if err := r.repo.Put(ctx, svc); err != nil {
		return err
	}
	r.Invalidate(svc.ID)
	if r.invalidate != nil {
		r.invalidate(svc.ID)
	}
	return nil
}

// Delete removes a service and invalidates caches.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.Invalidate(id)
	if r.invalidate != nil {
		r.invalidate(id)
	}
	return nil
}

// List returns all registered services in registration order.
func (r *Registry) List(ctx context.Context) ([]*Service, error) {
	return r.repo.List(ctx)
}

// Invalidate drops the local caches for a service. Called on local writes
// and on invalidation events from peers.
func (r *Registry) Invalidate(serviceID string) {
	r.byID.Remove(serviceID)
	r.snap.Store(nil)
}

// snapshot returns a fresh indexed view, rebuilding it at most once
// concurrently. A stale view keeps serving while the repository is down.
func (r *Registry) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := r.snap.Load(); snap != nil && time.Since(snap.builtAt) < r.ttl {
		return snap, nil
	}

	v, err, _ := r.load.Do("snapshot", func() (any, error) {
		// Re-check after winning the flight.
		if snap := r.snap.Load(); snap != nil && time.Since(snap.builtAt) < r.ttl {
			return snap, nil
		}
		services, err := r.repo.List(ctx)
		if err != nil {
			return nil, err
		}
		snap := buildSnapshot(services)
		r.snap.Store(snap)
		return snap, nil
	})
	if err != nil {
		if snap := r.snap.Load(); snap != nil {
			logging.Warn("registry repository unavailable, serving stale snapshot",
				zap.Error(err), zap.Duration("age", time.Since(snap.builtAt)))
			return snap, nil
		}
		return nil, ErrStorageUnavailable
	}
	return v.(*snapshot), nil
}

// buildSnapshot compiles per-service lookup structures: a serviceId index
// and a specificity-sorted endpoint list.
func buildSnapshot(services []*Service) *snapshot {
	snap := &snapshot{
		services: make(map[string]*Service, len(services)),
		builtAt:  time.Now(),
	}

	order := 0
	for _, svc := range services {
		snap.services[svc.ID] = svc
		for i := range svc.Endpoints {
			ep := &svc.Endpoints[i]
			pattern, err := matcher.Compile(ep.Path)
			if err != nil {
				// Validated at Put; a bad pattern from storage is skipped
				// rather than poisoning the whole snapshot.
				logging.Warn("skipping endpoint with invalid pattern",
					zap.String("service", svc.ID), zap.String("path", ep.Path), zap.Error(err))
				continue
			}
			snap.routes = append(snap.routes, compiledRoute{
				service:  svc,
				endpoint: ep,
				pattern:  pattern,
				methods:  matcher.NewMethodSet(ep.Methods),
				order:    order,
			})
			order++
		}
	}

	sort.SliceStable(snap.routes, func(i, j int) bool {
		si := snap.routes[i].pattern.Specificity()
		sj := snap.routes[j].pattern.Specificity()
		if si != sj {
			return si > sj
		}
		return snap.routes[i].order < snap.routes[j].order
	})

	return snap
}

// firstSegment splits a path into its first segment and the remaining path.
func firstSegment(path string) (seg, rest string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", "/"
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx:]
	}
	return path, "/"
}

// stripPrefixPath removes a route prefix from path; ok is false when path is
// not under the prefix.
func stripPrefixPath(prefix, path string) (string, bool) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return path, true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}
