// Package config loads per-resource configuration files. Each logical
// resource name has one file, config_resource_<name>.yaml, yielding a flat
// mapping. Keys prefixed pool__ are reserved for the kernel (pool sizing,
// instance timeouts, cache knobs); every other key is handed verbatim to the
// resource factory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Pool holds the reserved pool__* settings of one resource.
type Pool struct {
	Size               int
	Standby            int
	CacheSize          int
	CachePolicy        string
	CacheDefaultTTL    time.Duration
	CacheEvictPeriod   time.Duration
	CacheGroupInterval time.Duration
	IdleTimeout        time.Duration
	MaxAge             time.Duration
	MinTime            time.Duration
	MaxTime            time.Duration
	// ResourceName is injected for double-underscored pool names, e.g.
	// rpc__backoffice loads config_resource_rpc.yaml with ResourceName
	// "backoffice". This is how one file serves many per-target pools.
	ResourceName string
}

// Resource is the parsed configuration of one logical resource.
type Resource struct {
	Name   string
	Pool   Pool
	Params map[string]any
}

// DefaultPool returns the pool settings used when a key is absent.
func DefaultPool() Pool {
	return Pool{
		Size:             4,
		Standby:          0,
		CachePolicy:      "lru",
		CacheEvictPeriod: 10 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxAge:           30 * time.Minute,
	}
}

// Source yields resource configurations by logical name.
type Source interface {
	Resource(name string) (*Resource, error)
}

// Dir is a Source reading config_resource_<name>.yaml files from one
// directory.
type Dir struct {
	path string
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

func (d *Dir) Resource(name string) (*Resource, error) {
	path := filepath.Join(d.path, "config_resource_"+name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config for resource %q: %w", name, err)
	}
	return Parse(name, data)
}

// Static is a Source backed by an in-memory map, used by tests and embedded
// setups.
type Static map[string]*Resource

func (s Static) Resource(name string) (*Resource, error) {
	r, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("config for resource %q: not found", name)
	}
	return r, nil
}

// Parse decodes one resource configuration document.
func Parse(name string, data []byte) (*Resource, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config for resource %q: %w", name, err)
	}
	r := &Resource{
		Name:   name,
		Pool:   DefaultPool(),
		Params: make(map[string]any, len(raw)),
	}
	for k, v := range raw {
		var err error
		switch k {
		case "pool__size":
			r.Pool.Size, err = asInt(v)
		case "pool__standby":
			r.Pool.Standby, err = asInt(v)
		case "pool__cache_size":
			r.Pool.CacheSize, err = asInt(v)
		case "pool__cache_policy":
			r.Pool.CachePolicy = fmt.Sprint(v)
		case "pool__cache_default_ttl":
			r.Pool.CacheDefaultTTL, err = asDuration(v)
		case "pool__cache_evict_period":
			r.Pool.CacheEvictPeriod, err = asDuration(v)
		case "pool__cache_group_interval":
			r.Pool.CacheGroupInterval, err = asDuration(v)
		case "pool__idle_timeout":
			r.Pool.IdleTimeout, err = asDuration(v)
		case "pool__max_age":
			r.Pool.MaxAge, err = asDuration(v)
		case "pool__min_time":
			r.Pool.MinTime, err = asDuration(v)
		case "pool__max_time":
			r.Pool.MaxTime, err = asDuration(v)
		case "pool__resource_name":
			r.Pool.ResourceName = fmt.Sprint(v)
		default:
			r.Params[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("config for resource %q, key %s: %w", name, k, err)
		}
	}
	if r.Pool.Standby > r.Pool.Size {
		r.Pool.Standby = r.Pool.Size
	}
	return r, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// asDuration accepts bare numbers (seconds) or Go duration strings.
func asDuration(v any) (time.Duration, error) {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case string:
		return time.ParseDuration(n)
	}
	return 0, fmt.Errorf("expected duration, got %T", v)
}
