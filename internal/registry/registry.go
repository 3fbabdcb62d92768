// Package registry dispenses, per logical resource name, the pair of worker
// pool and resource pool every transaction participant runs against. Pairs
// are created lazily on first access and live for the life of the process.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roosthq/roost/internal/cache"
	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/pool"
	"github.com/roosthq/roost/internal/resource"
)

// Pair is everything attached to one resource name.
type Pair struct {
	Workers *WorkerPool
	Pool    *pool.Pool
	Cache   *cache.RWCache // nil when the resource has no cache configured
}

// Registry is the process-wide name -> Pair map. Entries are insert-only.
type Registry struct {
	configs   config.Source
	sweeper   *pool.Sweeper
	factories map[string]resource.Factory

	mu        sync.Mutex
	pairs     map[string]*Pair
	private   map[string]*WorkerPool
	cacheHook func(name string, c *cache.RWCache)

	sf singleflight.Group
}

// New builds a registry over a config source. Pools created here register
// with the given sweeper when one is supplied.
func New(configs config.Source, sweeper *pool.Sweeper) *Registry {
	return &Registry{
		configs:   configs,
		sweeper:   sweeper,
		factories: make(map[string]resource.Factory),
		pairs:     make(map[string]*Pair),
		private:   make(map[string]*WorkerPool),
	}
}

// OnCacheCreated installs a hook observing every cache as its pair is
// created, e.g. to attach a cross-cage invalidation broadcaster. Must be set
// before the first Get.
func (r *Registry) OnCacheCreated(fn func(name string, c *cache.RWCache)) {
	r.mu.Lock()
	r.cacheHook = fn
	r.mu.Unlock()
}

// RegisterFactory binds a protocol name (the "protocol" key of a resource
// config) to its instance factory. Must happen before the first Get for a
// resource using that protocol.
func (r *Registry) RegisterFactory(protocol string, f resource.Factory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Get returns the pair for a resource name, creating it on first use.
// A name containing a double underscore, such as rpc__backoffice, loads its
// config under the prefix (rpc) and injects the suffix (backoffice) as
// pool__resource_name; one config file thus serves many per-target pools.
func (r *Registry) Get(name string) (*Pair, error) {
	r.mu.Lock()
	if p, ok := r.pairs[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(name, func() (any, error) {
		return r.create(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pair), nil
}

func (r *Registry) create(name string) (*Pair, error) {
	// double-check under the map lock; singleflight only dedups concurrent
	// creations, the map is the durable record
	r.mu.Lock()
	if p, ok := r.pairs[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	base, suffix := splitName(name)
	cfg, err := r.configs.Resource(base)
	if err != nil {
		return nil, err
	}
	if suffix != "" {
		// per-target pool: same file, own name and injected target
		c := *cfg
		c.Name = name
		c.Pool.ResourceName = suffix
		cfg = &c
	}

	protocol, _ := cfg.Params["protocol"].(string)
	r.mu.Lock()
	factory, ok := r.factories[protocol]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: resource %q: no factory for protocol %q", name, protocol)
	}

	p := &Pair{
		Workers: NewWorkerPool(name, cfg.Pool.Size),
		Pool:    pool.New(cfg, factory),
	}
	if cfg.Pool.CacheSize > 0 {
		p.Cache = cache.NewRW(cache.New(name, cfg.Pool))
		p.Pool.SetCache(p.Cache)
		r.mu.Lock()
		hook := r.cacheHook
		r.mu.Unlock()
		if hook != nil {
			hook(name, p.Cache)
		}
	}
	if r.sweeper != nil {
		r.sweeper.Register(p.Pool)
	}

	r.mu.Lock()
	r.pairs[name] = p
	r.mu.Unlock()
	logging.Op().Info("resource pool created",
		"resource", name, "size", cfg.Pool.Size, "cached", p.Cache != nil)
	return p, nil
}

// PrivateWorkers dispenses a named worker pool distinct from any resource's,
// for components that need their own worker set.
func (r *Registry) PrivateWorkers(name string, size int) *WorkerPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.private[name]; ok {
		return w
	}
	w := NewWorkerPool(name, size)
	r.private[name] = w
	return w
}

// StopAll stops every pool and worker pool, for daemon shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pairs := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		pairs = append(pairs, p)
	}
	private := make([]*WorkerPool, 0, len(r.private))
	for _, w := range r.private {
		private = append(private, w)
	}
	r.mu.Unlock()

	for _, p := range pairs {
		p.Pool.Stop()
		p.Workers.Stop()
	}
	for _, w := range private {
		w.Stop()
	}
}

func splitName(name string) (base, suffix string) {
	if i := strings.Index(name, "__"); i > 0 {
		return name[:i], name[i+2:]
	}
	return name, ""
}
