// Package cache implements the optional per-pool result cache: a bounded
// map of expiring values with a pluggable eviction policy, and a read/write
// overlay (see rwcache.go) that invalidates cached reads on conflicting
// writes and coalesces concurrent producers of the same key.
//
// Values are deep-copied on both put and get so that callers mutating a
// returned value cannot corrupt cached state.
package cache

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/deepcopy"
	"github.com/roosthq/roost/internal/metrics"
)

// Eviction policies. The policy score is computed per entry; eviction
// discards the entries with the smallest scores.
const (
	PolicyLRU     = "lru"     // smallest last-used time
	PolicyLFU     = "lfu"     // smallest hit count
	PolicyWeight  = "weight"  // smallest weight (unknown treated as zero)
	PolicyUseless = "useless" // smallest weight x hit count
	PolicyOld     = "old"     // smallest remaining TTL
	PolicyRandom  = "random"  // uniform
)

// valueID numbers every cached value process-wide.
var valueID atomic.Int64

// ValueOptions are the per-value knobs a caller may supply with Put.
type ValueOptions struct {
	TTL    time.Duration // 0 uses the cache default; the default 0 never expires
	Weight float64
	Group  string
}

type entry struct {
	id       int64
	value    any
	deadline time.Time // zero: never expires
	weight   float64
	group    string
	lastUsed time.Time
	hits     int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

type groupHit struct {
	at     time.Time
	key    string
	weight float64
}

// Cache is a bounded expiring map. All operations are safe for concurrent
// use.
type Cache struct {
	name          string
	size          int
	policy        string
	defaultTTL    time.Duration
	evictPeriod   time.Duration
	groupInterval time.Duration
	created       time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastEvict time.Time
	groupHits map[string][]groupHit
}

// New builds a cache from the pool__cache_* settings of a resource config.
func New(name string, pool config.Pool) *Cache {
	policy := pool.CachePolicy
	if policy == "" {
		policy = PolicyLRU
	}
	return &Cache{
		name:          name,
		size:          pool.CacheSize,
		policy:        policy,
		defaultTTL:    pool.CacheDefaultTTL,
		evictPeriod:   pool.CacheEvictPeriod,
		groupInterval: pool.CacheGroupInterval,
		created:       time.Now(),
		entries:       make(map[string]*entry),
		groupHits:     make(map[string][]groupHit),
	}
}

func (c *Cache) Name() string { return c.name }

// Get returns a deep copy of the cached value, if present and fresh.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		metrics.RecordCacheEvent(c.name, "miss")
		return nil, false
	}
	now := time.Now()
	if e.expired(now) {
		delete(c.entries, key)
		metrics.RecordCacheEvent(c.name, "miss")
		return nil, false
	}
	e.hits++
	e.lastUsed = now
	if c.groupInterval > 0 && e.group != "" {
		c.recordGroupHit(now, key, e)
	}
	metrics.RecordCacheEvent(c.name, "hit")
	return deepcopy.Value(e.value), true
}

// Put stores a deep copy of value under key and evicts if the cache has
// outgrown its size and the eviction period elapsed.
func (c *Cache) Put(key string, value any, opts ValueOptions) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	e := &entry{
		id:       valueID.Add(1),
		value:    deepcopy.Value(value),
		weight:   opts.Weight,
		group:    opts.Group,
		lastUsed: time.Now(),
	}
	if ttl > 0 {
		e.deadline = e.lastUsed.Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.maybeEvictLocked()
	c.mu.Unlock()
	metrics.RecordCacheEvent(c.name, "put")
}

// Delete removes a key. Removing an absent key is not an error.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PurgeExpired drops entries past their TTL. The owning pool calls this
// from its sweep.
func (c *Cache) PurgeExpired() {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) recordGroupHit(now time.Time, key string, e *entry) {
	hits := c.groupHits[e.group]
	cutoff := now.Add(-c.groupInterval)
	kept := hits[:0]
	for _, h := range hits {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}
	c.groupHits[e.group] = append(kept, groupHit{at: now, key: key, weight: e.weight})
}

// groupStatsLocked returns, per group, the sum of hit weights within the
// sliding window divided by the number of distinct keys contributing.
func (c *Cache) groupStatsLocked(now time.Time) (map[string]float64, float64) {
	stats := make(map[string]float64, len(c.groupHits))
	total := 0.0
	cutoff := now.Add(-c.groupInterval)
	for group, hits := range c.groupHits {
		sum := 0.0
		keys := make(map[string]struct{})
		kept := hits[:0]
		for _, h := range hits {
			if h.at.After(cutoff) {
				kept = append(kept, h)
				sum += h.weight
				keys[h.key] = struct{}{}
			}
		}
		c.groupHits[group] = kept
		if len(keys) > 0 {
			stats[group] = sum / float64(len(keys))
			total += stats[group]
		}
	}
	return stats, total
}

// maybeEvictLocked runs at most once per evict period and discards the
// lowest-scoring |cache|-size entries. Entries in more valuable groups get
// their score scaled up so they are preserved longer.
func (c *Cache) maybeEvictLocked() {
	if c.size <= 0 || len(c.entries) <= c.size {
		return
	}
	now := time.Now()
	if now.Sub(c.lastEvict) < c.evictPeriod {
		return
	}
	c.lastEvict = now

	var stats map[string]float64
	var total float64
	if c.groupInterval > 0 {
		stats, total = c.groupStatsLocked(now)
	}

	type scored struct {
		key   string
		score float64
	}
	all := make([]scored, 0, len(c.entries))
	for key, e := range c.entries {
		score := c.scoreLocked(e, now)
		if total > 0 {
			if gw, ok := stats[e.group]; ok {
				score *= gw / total
			}
		}
		all = append(all, scored{key, score})
	}
	// Partial selection sort: only |cache|-size victims are needed.
	drop := len(all) - c.size
	for i := 0; i < drop; i++ {
		min := i
		for j := i + 1; j < len(all); j++ {
			if all[j].score < all[min].score {
				min = j
			}
		}
		all[i], all[min] = all[min], all[i]
		delete(c.entries, all[i].key)
		metrics.RecordCacheEvent(c.name, "evict")
	}
}

func (c *Cache) scoreLocked(e *entry, now time.Time) float64 {
	switch c.policy {
	case PolicyLFU:
		return float64(e.hits)
	case PolicyWeight:
		return e.weight
	case PolicyUseless:
		return e.weight * float64(e.hits)
	case PolicyOld:
		if e.deadline.IsZero() {
			return math.Inf(1)
		}
		return e.deadline.Sub(now).Seconds()
	case PolicyRandom:
		return rand.Float64()
	default: // lru
		return e.lastUsed.Sub(c.created).Seconds()
	}
}
