package cache

import (
	"sync"
	"time"

	"github.com/roosthq/roost/internal/metrics"
)

// Outcome is the result of a read/write cache probe.
type Outcome int

const (
	// Hit: a cached value was returned; the caller must not execute.
	Hit Outcome = iota
	// MustExecute: no value is cached and this transaction holds the
	// execution claim (or is a write, which always executes). The caller
	// executes the resource call and reports back through Put.
	MustExecute
	// WaitTimeout: another transaction holds the claim and did not publish
	// within the caller's deadline.
	WaitTimeout
)

// Request identifies one get/put pair against the cache. TransactionID
// correlates the two; a request carries read keys or write keys, never both.
type Request struct {
	TransactionID string
	Key           string
	ReadKeys      []string
	WriteKeys     []string
	Timeout       time.Duration
}

func (r *Request) isWrite() bool { return len(r.WriteKeys) > 0 }

type claim struct {
	ch    chan struct{}
	txnID string
}

type readReg struct {
	keys    []uint32
	dropped bool // a conflicting write arrived; the eventual put is not cached
}

// RWCache distinguishes read requests (results cacheable) from write
// requests (never cached, invalidate conflicting cached reads). At most one
// transaction at a time executes a given cache key; others wait for its
// published value.
type RWCache struct {
	*Cache

	mu     sync.Mutex
	claims map[string]*claim
	reads  map[string]*readReg
	writes map[string][]uint32
	// assoc remembers read-key-hash -> cache keys so a later conflicting
	// write can invalidate the cached entries.
	assoc map[uint32]map[string]struct{}

	// onInvalidate, when set, observes keys removed by write invalidation
	// (used to broadcast evictions to sibling cages).
	onInvalidate func(keys []string)
}

// NewRW wraps a policy cache with read/write conflict tracking.
func NewRW(c *Cache) *RWCache {
	return &RWCache{
		Cache:  c,
		claims: make(map[string]*claim),
		reads:  make(map[string]*readReg),
		writes: make(map[string][]uint32),
		assoc:  make(map[uint32]map[string]struct{}),
	}
}

// SetOnInvalidate installs the write-invalidation observer.
func (c *RWCache) SetOnInvalidate(fn func(keys []string)) {
	c.mu.Lock()
	c.onInvalidate = fn
	c.mu.Unlock()
}

// Get probes the cache for req. Every Get must be matched by exactly one Put
// with the same transaction id, whatever the outcome, so registrations and
// claims are released.
func (c *RWCache) Get(req Request) (any, Outcome) {
	if req.isWrite() {
		hashes := hashKeys(req.WriteKeys)
		c.mu.Lock()
		c.writes[req.TransactionID] = hashes
		// In-flight reads whose keys intersect lose their registration:
		// their eventual put will not be cached.
		for _, reg := range c.reads {
			if intersects(reg.keys, hashes) {
				reg.dropped = true
			}
		}
		c.mu.Unlock()
		return nil, MustExecute // writes bypass the cache
	}

	hashes := hashKeys(req.ReadKeys)
	c.mu.Lock()
	conflict := false
	for _, wh := range c.writes {
		if intersects(hashes, wh) {
			conflict = true
			break
		}
	}
	// A read conflicting with a registered write proceeds uncached.
	c.reads[req.TransactionID] = &readReg{keys: hashes, dropped: conflict}
	c.mu.Unlock()

	var timer *time.Timer
	for {
		if v, ok := c.Cache.Get(req.Key); ok {
			return v, Hit
		}
		c.mu.Lock()
		cl := c.claims[req.Key]
		if cl == nil {
			c.claims[req.Key] = &claim{ch: make(chan struct{}), txnID: req.TransactionID}
			c.mu.Unlock()
			return nil, MustExecute
		}
		ch := cl.ch
		c.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(req.Timeout)
			defer timer.Stop()
		}
		select {
		case <-ch:
		case <-timer.C:
			return nil, WaitTimeout
		}
	}
}

// Put reports the outcome of the request's execution. For writes it
// invalidates every cached entry conflicting with the write keys. For reads
// it publishes the value (nil value or a lost registration publishes
// nothing) and wakes transactions waiting on the claim.
func (c *RWCache) Put(req Request, value any, opts ValueOptions) {
	if req.isWrite() {
		c.mu.Lock()
		hashes := c.writes[req.TransactionID]
		if hashes == nil {
			hashes = hashKeys(req.WriteKeys)
		}
		delete(c.writes, req.TransactionID)
		victims := make([]string, 0)
		for _, h := range hashes {
			for key := range c.assoc[h] {
				victims = append(victims, key)
			}
			delete(c.assoc, h)
		}
		fn := c.onInvalidate
		c.mu.Unlock()

		for _, key := range victims {
			c.Cache.Delete(key)
			metrics.RecordCacheEvent(c.name, "invalidate")
		}
		if fn != nil && len(victims) > 0 {
			fn(victims)
		}
		return
	}

	c.mu.Lock()
	reg := c.reads[req.TransactionID]
	delete(c.reads, req.TransactionID)
	cl := c.claims[req.Key]
	owns := cl != nil && cl.txnID == req.TransactionID
	store := owns && value != nil && reg != nil && !reg.dropped
	if store {
		for _, h := range reg.keys {
			keys := c.assoc[h]
			if keys == nil {
				keys = make(map[string]struct{})
				c.assoc[h] = keys
			}
			keys[req.Key] = struct{}{}
		}
	}
	if owns {
		delete(c.claims, req.Key)
	}
	c.mu.Unlock()

	if store {
		c.Cache.Put(req.Key, value, opts)
	}
	if owns {
		close(cl.ch) // waiters re-probe; absence of a value means "not cached"
	}
}
