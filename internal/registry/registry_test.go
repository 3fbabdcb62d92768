package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/resource"
)

type stubResource struct {
	*resource.Instance
	cfg *config.Resource
}

func (s *stubResource) Connect(ctx context.Context) error { return nil }
func (s *stubResource) Disconnect()                       {}
func (s *stubResource) BeginTransaction(ctx context.Context, xa resource.Transaction) error {
	return nil
}
func (s *stubResource) Commit() error   { return nil }
func (s *stubResource) Rollback() error { return nil }
func (s *stubResource) Call(ctx context.Context, attrs []string, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func stubFactory(made *[]*config.Resource, mu *sync.Mutex) resource.Factory {
	return func(poolName string, seq uint64, cfg *config.Resource) (resource.Resource, error) {
		mu.Lock()
		*made = append(*made, cfg)
		mu.Unlock()
		return &stubResource{Instance: resource.NewInstance(poolName, seq, cfg.Pool), cfg: cfg}, nil
	}
}

func testConfigs() config.Static {
	pc := config.DefaultPool()
	pc.Size = 2
	cached := pc
	cached.CacheSize = 10
	return config.Static{
		"db":  {Name: "db", Pool: cached, Params: map[string]any{"protocol": "stub"}},
		"rpc": {Name: "rpc", Pool: pc, Params: map[string]any{"protocol": "stub"}},
	}
}

func TestGetCreatesPair(t *testing.T) {
	var made []*config.Resource
	var mu sync.Mutex
	r := New(testConfigs(), nil)
	r.RegisterFactory("stub", stubFactory(&made, &mu))
	defer r.StopAll()

	p, err := r.Get("db")
	if err != nil {
		t.Fatal(err)
	}
	if p.Workers == nil || p.Pool == nil {
		t.Fatal("incomplete pair")
	}
	if p.Cache == nil {
		t.Fatal("cache-configured resource got no cache")
	}

	again, err := r.Get("db")
	if err != nil {
		t.Fatal(err)
	}
	if again != p {
		t.Fatal("second Get created a new pair")
	}
}

func TestNoCacheWhenUnconfigured(t *testing.T) {
	var made []*config.Resource
	var mu sync.Mutex
	r := New(testConfigs(), nil)
	r.RegisterFactory("stub", stubFactory(&made, &mu))
	defer r.StopAll()

	p, err := r.Get("rpc")
	if err != nil {
		t.Fatal(err)
	}
	if p.Cache != nil {
		t.Fatal("cacheless resource got a cache")
	}
}

func TestUnknownProtocol(t *testing.T) {
	r := New(testConfigs(), nil)
	defer r.StopAll()
	if _, err := r.Get("db"); err == nil {
		t.Fatal("Get succeeded without a factory for the protocol")
	}
}

func TestUnknownResource(t *testing.T) {
	r := New(testConfigs(), nil)
	defer r.StopAll()
	if _, err := r.Get("ghost"); err == nil {
		t.Fatal("Get succeeded for unconfigured resource")
	}
}

func TestDoubleUnderscoreName(t *testing.T) {
	var made []*config.Resource
	var mu sync.Mutex
	r := New(testConfigs(), nil)
	r.RegisterFactory("stub", stubFactory(&made, &mu))
	defer r.StopAll()

	p, err := r.Get("rpc__backoffice")
	if err != nil {
		t.Fatal(err)
	}

	// force an instance so the factory observes the injected config
	inst, err := p.Pool.Allocate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Pool.Release(inst)

	mu.Lock()
	cfg := made[len(made)-1]
	mu.Unlock()
	if cfg.Name != "rpc__backoffice" {
		t.Fatalf("pool name = %q", cfg.Name)
	}
	if cfg.Pool.ResourceName != "backoffice" {
		t.Fatalf("injected resource name = %q, want backoffice", cfg.Pool.ResourceName)
	}

	// the base name keeps its own distinct pool with no injection
	base, err := r.Get("rpc")
	if err != nil {
		t.Fatal(err)
	}
	if base == p {
		t.Fatal("base and suffixed names share a pair")
	}
}

func TestConcurrentGetSinglePair(t *testing.T) {
	var made []*config.Resource
	var mu sync.Mutex
	r := New(testConfigs(), nil)
	r.RegisterFactory("stub", stubFactory(&made, &mu))
	defer r.StopAll()

	pairs := make([]*Pair, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Get("db")
			if err != nil {
				t.Error(err)
				return
			}
			pairs[i] = p
		}(i)
	}
	wg.Wait()
	for i := 1; i < 8; i++ {
		if pairs[i] != pairs[0] {
			t.Fatal("concurrent Gets produced distinct pairs")
		}
	}
}

func TestPrivateWorkers(t *testing.T) {
	r := New(testConfigs(), nil)
	defer r.StopAll()

	w1 := r.PrivateWorkers("housekeeping", 2)
	w2 := r.PrivateWorkers("housekeeping", 2)
	if w1 != w2 {
		t.Fatal("same name dispensed distinct private pools")
	}

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !w1.Submit(ctx, func() { close(done) }) {
		t.Fatal("submit refused")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted unit never ran")
	}
}

func TestStopAll(t *testing.T) {
	var made []*config.Resource
	var mu sync.Mutex
	r := New(testConfigs(), nil)
	r.RegisterFactory("stub", stubFactory(&made, &mu))

	p, err := r.Get("db")
	if err != nil {
		t.Fatal(err)
	}
	r.StopAll()

	if _, err := p.Pool.Allocate(context.Background()); err == nil {
		t.Fatal("pool still allocating after StopAll")
	}
}
