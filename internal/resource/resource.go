// Package resource defines the contract every pooled endpoint (database
// session, broker connection, remote cage, ...) fulfills, and the Instance
// base that adapters embed to get the lifecycle bookkeeping: naming, idle
// and age expiry, and per-transaction state.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roosthq/roost/internal/config"
)

// Transaction is the context stamped on an instance by BeginTransaction.
type Transaction struct {
	XID          string
	SourceModule string
	Options      map[string]any
	Args         []any
	Kwargs       map[string]any
}

// Resource is one connectable, expiring endpoint. Lifecycle:
//
//	created ──Connect──▶ idle ──BeginTransaction──▶ in-xa
//	   │                  │ ▲                          │
//	   │                  │ └──────────── Commit/Rollback
//	   │                  │                        │
//	   └──Expire──▶ expired ◀──────────────────────┘
//	                  │
//	                  └──Disconnect──▶ gone
//
// An instance that failed to Connect is gone and never pooled; a Commit
// failure expires the instance. Expire is idempotent and irreversible.
type Resource interface {
	// Name is pool_name + "/" + a pool-local monotonic counter.
	Name() string

	// Connect establishes the endpoint. Called once, outside the pool
	// mutex, before the instance is handed to anyone.
	Connect(ctx context.Context) error

	// Disconnect tears the endpoint down. Called once, after which the
	// instance is never reused.
	Disconnect()

	// BeginTransaction records the transaction context on the instance.
	// Adapters that can skip a no-op transaction must not do I/O here.
	BeginTransaction(ctx context.Context, xa Transaction) error

	// Commit and Rollback finish the transaction best-effort and return
	// the instance to idle.
	Commit() error
	Rollback() error

	// Call walks the attribute chain to the target operation and executes
	// it. attrs always has at least one element (the method name).
	Call(ctx context.Context, attrs []string, args []any, kwargs map[string]any) (any, error)

	Expire()
	Expired() bool
	ResetIdle()
	TTL() time.Duration
	MinTime() time.Duration
	MaxTime() time.Duration
}

// Factory builds an unconnected instance for a pool. seq is the pool-local
// monotonic counter used in the instance name.
type Factory func(poolName string, seq uint64, cfg *config.Resource) (Resource, error)

// Instance carries the bookkeeping shared by all adapters. Embed it by
// pointer and override the lifecycle methods that do real work.
type Instance struct {
	name     string
	poolName string
	poolSize int

	minTime time.Duration
	maxTime time.Duration

	mu           sync.Mutex
	expired      bool
	idleTimeout  time.Duration
	idleDeadline time.Time
	maxAge       time.Time

	xa *Transaction
}

// NewInstance names and times a fresh instance from the pool configuration.
func NewInstance(poolName string, seq uint64, pool config.Pool) *Instance {
	now := time.Now()
	inst := &Instance{
		name:        fmt.Sprintf("%s/%d", poolName, seq),
		poolName:    poolName,
		poolSize:    pool.Size,
		minTime:     pool.MinTime,
		maxTime:     pool.MaxTime,
		idleTimeout: pool.IdleTimeout,
	}
	if pool.IdleTimeout > 0 {
		inst.idleDeadline = now.Add(pool.IdleTimeout)
	}
	if pool.MaxAge > 0 {
		inst.maxAge = now.Add(pool.MaxAge)
	}
	return inst
}

func (i *Instance) Name() string           { return i.name }
func (i *Instance) PoolName() string       { return i.poolName }
func (i *Instance) PoolSize() int          { return i.poolSize }
func (i *Instance) MinTime() time.Duration { return i.minTime }
func (i *Instance) MaxTime() time.Duration { return i.maxTime }

// Expire latches the instance expired. Safe from any goroutine, idempotent,
// irreversible.
func (i *Instance) Expire() {
	i.mu.Lock()
	i.expired = true
	i.mu.Unlock()
}

// Expired reports whether the latch is set or either timeout has elapsed.
// Observing a timeout sets the latch so the instance can never unexpire.
func (i *Instance) Expired() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.expired {
		return true
	}
	now := time.Now()
	if !i.idleDeadline.IsZero() && now.After(i.idleDeadline) {
		i.expired = true
	}
	if !i.maxAge.IsZero() && now.After(i.maxAge) {
		i.expired = true
	}
	return i.expired
}

// ResetIdle restarts the idle countdown, typically after a completed
// transaction.
func (i *Instance) ResetIdle() {
	i.mu.Lock()
	if !i.expired && i.idleTimeout > 0 {
		i.idleDeadline = time.Now().Add(i.idleTimeout)
	}
	i.mu.Unlock()
}

// TTL is the time before the instance expires on its own:
// min(idle remaining, max-age remaining). Zero when already expired.
func (i *Instance) TTL() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.expired {
		return 0
	}
	now := time.Now()
	ttl := time.Duration(1<<63 - 1) // no timeouts configured: effectively forever
	if !i.idleDeadline.IsZero() {
		ttl = i.idleDeadline.Sub(now)
	}
	if !i.maxAge.IsZero() {
		if age := i.maxAge.Sub(now); age < ttl {
			ttl = age
		}
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

// SetTransaction records the transaction context; adapters call it from
// their BeginTransaction override.
func (i *Instance) SetTransaction(xa Transaction) {
	i.mu.Lock()
	i.xa = &xa
	i.mu.Unlock()
}

// ClearTransaction drops the transaction context after commit or rollback.
func (i *Instance) ClearTransaction() {
	i.mu.Lock()
	i.xa = nil
	i.mu.Unlock()
}

// CurrentTransaction returns the transaction in progress, if any.
func (i *Instance) CurrentTransaction() (Transaction, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.xa == nil {
		return Transaction{}, false
	}
	return *i.xa, true
}
