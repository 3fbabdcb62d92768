// Package pool keeps a fixed-size set of connected resource instances for
// one logical resource name. Checked-in instances wait in a LIFO free list
// (warmest first); a background sweep disconnects expired ones and a warmup
// keeps a standby count connected ahead of demand.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/metrics"
	"github.com/roosthq/roost/internal/resource"
)

var (
	// ErrPoolEmpty: every slot is checked out; the caller may retry.
	ErrPoolEmpty = errors.New("pool: no instance available")
	// ErrPoolStopped: the pool was stopped and allocates nothing anymore.
	ErrPoolStopped = errors.New("pool: stopped")
)

// Slack is how far |busy| may exceed the configured size while the sweeper
// or warmer holds a slot during a concurrent checkout.
const Slack = 2

// Purger is the cache hook invoked from Sweep.
type Purger interface {
	PurgeExpired()
}

// Pool binds a logical resource name to an instance factory and caps the
// concurrent instance count at the configured size. Checkout is refused once
// |busy| reaches size and the free list is empty.
type Pool struct {
	name    string
	size    int
	standby int
	factory resource.Factory
	cfg     *config.Resource
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	free    []resource.Resource // LIFO
	busy    map[resource.Resource]struct{}
	stopped bool
	seq     atomic.Uint64

	// single-permit semaphores: one sweep, one warmup at a time
	sweepSem chan struct{}
	warmSem  chan struct{}

	cache Purger
}

// New builds a pool from a resource config. Instances are created lazily on
// checkout or by Warmup; nothing connects here.
func New(cfg *config.Resource, factory resource.Factory) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:     cfg.Name,
		size:     cfg.Pool.Size,
		standby:  cfg.Pool.Standby,
		factory:  factory,
		cfg:      cfg,
		log:      logging.Op().With("pool", cfg.Name),
		ctx:      ctx,
		cancel:   cancel,
		busy:     make(map[resource.Resource]struct{}),
		sweepSem: make(chan struct{}, 1),
		warmSem:  make(chan struct{}, 1),
	}
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Size() int    { return p.size }

// SetCache attaches the cache purged during Sweep.
func (p *Pool) SetCache(c Purger) {
	p.mu.Lock()
	p.cache = c
	p.mu.Unlock()
}

// Allocate returns a connected, non-expired instance. Expired instances
// found in the free list are disconnected on the way (their slot held in
// busy so the capacity invariant is observable throughout).
func (p *Pool) Allocate(ctx context.Context) (resource.Resource, error) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			metrics.RecordAllocation(p.name, "stopped")
			return nil, ErrPoolStopped
		}
		if n := len(p.free); n > 0 {
			r := p.free[n-1]
			p.free = p.free[:n-1]
			p.busy[r] = struct{}{}
			p.updateGaugesLocked()
			p.mu.Unlock()
			if r.Expired() {
				r.Disconnect()
				p.drop(r)
				continue
			}
			metrics.RecordAllocation(p.name, "free")
			p.maybeWarm()
			return r, nil
		}
		if len(p.busy) >= p.size {
			p.mu.Unlock()
			metrics.RecordAllocation(p.name, "empty")
			return nil, ErrPoolEmpty
		}
		r, err := p.factory(p.name, p.seq.Add(1), p.cfg)
		if err != nil {
			p.mu.Unlock()
			metrics.RecordAllocation(p.name, "factory_error")
			return nil, err
		}
		p.busy[r] = struct{}{}
		p.updateGaugesLocked()
		p.mu.Unlock()

		// connect outside the pool mutex
		if err := r.Connect(ctx); err != nil {
			p.drop(r) // never pooled after a failed connect
			metrics.RecordAllocation(p.name, "connect_error")
			return nil, err
		}
		metrics.RecordAllocation(p.name, "connected")
		p.maybeWarm()
		return r, nil
	}
}

// Release checks an instance back in. An expired instance (or any instance
// once the pool is stopped) is disconnected and dropped instead.
func (p *Pool) Release(r resource.Resource) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped || r.Expired() {
		r.Disconnect() // slot stays held in busy during the disconnect
		p.drop(r)
	} else {
		p.mu.Lock()
		delete(p.busy, r)
		p.free = append(p.free, r)
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
	p.maybeWarm()
}

// Sweep disconnects expired instances sitting in the free list, then
// triggers a warmup pass and a cache purge. Disconnects run in short-lived
// goroutines so a slow endpoint cannot stall the shared sweeper. Concurrent
// sweeps are skipped, not queued.
func (p *Pool) Sweep() {
	select {
	case p.sweepSem <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.sweepSem }()

	for {
		p.mu.Lock()
		var victim resource.Resource
		for i, r := range p.free {
			if r.Expired() {
				victim = r
				p.free = append(p.free[:i], p.free[i+1:]...)
				p.busy[r] = struct{}{}
				break
			}
		}
		p.updateGaugesLocked()
		cache := p.cache
		p.mu.Unlock()

		if victim == nil {
			p.maybeWarm()
			if cache != nil {
				cache.PurgeExpired()
			}
			return
		}
		go func(r resource.Resource) {
			r.Disconnect()
			p.drop(r)
		}(victim)
	}
}

// Warmup creates and connects instances one at a time until the free list
// reaches the standby count or the pool is full. Connect failures end the
// attempt silently; the next trigger retries. Concurrent warmups are
// skipped.
func (p *Pool) Warmup() {
	select {
	case p.warmSem <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.warmSem }()

	for {
		p.mu.Lock()
		if p.stopped || len(p.free) >= p.standby || len(p.free)+len(p.busy) >= p.size {
			p.mu.Unlock()
			return
		}
		r, err := p.factory(p.name, p.seq.Add(1), p.cfg)
		if err != nil {
			p.mu.Unlock()
			p.log.Debug("warmup factory failed", "error", err)
			return
		}
		p.busy[r] = struct{}{}
		p.updateGaugesLocked()
		p.mu.Unlock()

		if err := r.Connect(p.ctx); err != nil {
			p.drop(r)
			p.log.Debug("warmup connect failed", "instance", r.Name(), "error", err)
			return
		}
		p.mu.Lock()
		delete(p.busy, r)
		p.free = append(p.free, r)
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}

// Stop latches the pool stopped, expires every current instance and runs a
// final sweep. Instances still checked out are disconnected when released.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	all := make([]resource.Resource, 0, len(p.free)+len(p.busy))
	all = append(all, p.free...)
	for r := range p.busy {
		all = append(all, r)
	}
	p.mu.Unlock()

	for _, r := range all {
		r.Expire()
	}
	p.Sweep()
	p.cancel()
	p.log.Info("pool stopped", "instances", len(all))
}

// Counts returns the current free and busy instance counts.
func (p *Pool) Counts() (free, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.busy)
}

// drop removes an instance whose slot was held in busy during a disconnect.
func (p *Pool) drop(r resource.Resource) {
	p.mu.Lock()
	delete(p.busy, r)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// maybeWarm schedules a background warmup when the free list is below the
// standby target and the pool has room.
func (p *Pool) maybeWarm() {
	p.mu.Lock()
	want := !p.stopped && len(p.free) < p.standby && len(p.free)+len(p.busy) < p.size
	p.mu.Unlock()
	if want {
		go p.Warmup()
	}
}

func (p *Pool) updateGaugesLocked() {
	metrics.SetPoolState(p.name, len(p.free), len(p.busy))
}
