package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/roosthq/roost/internal/cache"
)

// CacheKeyFunc computes a cache key from the call being made. Returning an
// empty string disables caching for this call.
type CacheKeyFunc func(attrs []string, args []any, kwargs map[string]any) string

// CallOptions is the typed record of per-call knobs the coordinator and the
// cache consume before the resource method sees the call. The zero value
// means "all unset".
type CallOptions struct {
	// CacheKey, when non-empty, is the literal cache key for this call.
	// CacheKeyFn, when set, computes it instead. NoCache disables the
	// cache for this call entirely. When none are set the key is derived
	// from the attribute chain and arguments.
	CacheKey   string
	CacheKeyFn CacheKeyFunc
	NoCache    bool

	CacheTTL    time.Duration
	CacheWeight float64 // default: the measured execution time in seconds
	CacheGroup  string

	// CacheWrap transforms the result before it is cached.
	CacheWrap func(any) any

	// CacheGet and CachePut replace the cache routines entirely.
	CacheGet func(cache.Request) (any, cache.Outcome)
	CachePut func(cache.Request, any, cache.ValueOptions)

	// ReadKeys xor WriteKeys classify the call for the read/write cache.
	ReadKeys  []string
	WriteKeys []string

	// XAOptions, ResourceArgs and ResourceKwargs are handed to the
	// instance's BeginTransaction untouched.
	XAOptions      map[string]any
	ResourceArgs   []any
	ResourceKwargs map[string]any
}

// Call is one participant: a resource name, an attribute chain to the
// target operation, and its arguments.
type Call struct {
	Resource string
	Method   string // dotted attribute chain, e.g. "execute" or "docs.find"
	Args     []any
	Kwargs   map[string]any
	Options  CallOptions
}

func (c *Call) attrs() []string {
	return strings.Split(c.Method, ".")
}

// cacheKey resolves the effective cache key, empty when caching is off for
// this call. Map formatting is deterministic (fmt sorts map keys), so the
// derived key is reproducible.
func (c *Call) cacheKey() string {
	o := &c.Options
	if o.NoCache {
		return ""
	}
	if o.CacheKeyFn != nil {
		return o.CacheKeyFn(c.attrs(), c.Args, c.Kwargs)
	}
	if o.CacheKey != "" {
		return o.CacheKey
	}
	return fmt.Sprintf("%s(%v)(%v)", c.Method, c.Args, c.Kwargs)
}
