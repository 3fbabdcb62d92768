package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roosthq/roost/internal/cache"
	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/pool"
	"github.com/roosthq/roost/internal/registry"
	"github.com/roosthq/roost/internal/request"
	"github.com/roosthq/roost/internal/resource"
)

// fakeEndpoint is the shared state behind every instance of one fake
// resource: call/commit/rollback counters and scripted behavior.
type fakeEndpoint struct {
	mu        sync.Mutex
	calls     int
	commits   int
	rollbacks int

	callErr   error
	callDelay time.Duration
	commitErr error
	result    any
}

func (e *fakeEndpoint) counts() (calls, commits, rollbacks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls, e.commits, e.rollbacks
}

type fakeInstance struct {
	*resource.Instance
	ep *fakeEndpoint
}

func (f *fakeInstance) Connect(ctx context.Context) error { return nil }
func (f *fakeInstance) Disconnect()                       {}

func (f *fakeInstance) BeginTransaction(ctx context.Context, xa resource.Transaction) error {
	f.SetTransaction(xa)
	return nil
}

func (f *fakeInstance) Commit() error {
	f.ClearTransaction()
	f.ep.mu.Lock()
	defer f.ep.mu.Unlock()
	if f.ep.commitErr != nil {
		return f.ep.commitErr
	}
	f.ep.commits++
	return nil
}

func (f *fakeInstance) Rollback() error {
	f.ClearTransaction()
	f.ep.mu.Lock()
	f.ep.rollbacks++
	f.ep.mu.Unlock()
	return nil
}

func (f *fakeInstance) Call(ctx context.Context, attrs []string, args []any, kwargs map[string]any) (any, error) {
	f.ep.mu.Lock()
	f.ep.calls++
	err := f.ep.callErr
	delay := f.ep.callDelay
	result := f.ep.result
	f.ep.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return fmt.Sprintf("%s:%v", attrs[0], args), nil
}

// fakeProvider dispenses one pair per resource name, each over a fake
// endpoint, with an optional read/write cache.
type fakeProvider struct {
	mu        sync.Mutex
	endpoints map[string]*fakeEndpoint
	pairs     map[string]*registry.Pair
	withCache bool
	minTime   time.Duration
}

func newProvider(withCache bool) *fakeProvider {
	return &fakeProvider{
		endpoints: make(map[string]*fakeEndpoint),
		pairs:     make(map[string]*registry.Pair),
		withCache: withCache,
	}
}

func (p *fakeProvider) endpoint(name string) *fakeEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[name]
	if !ok {
		ep = &fakeEndpoint{}
		p.endpoints[name] = ep
	}
	return ep
}

func (p *fakeProvider) Get(name string) (*registry.Pair, error) {
	ep := p.endpoint(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pair, ok := p.pairs[name]; ok {
		return pair, nil
	}
	pc := config.DefaultPool()
	pc.Size = 4
	pc.MinTime = p.minTime
	cfg := &config.Resource{Name: name, Pool: pc}
	factory := func(poolName string, seq uint64, c *config.Resource) (resource.Resource, error) {
		return &fakeInstance{Instance: resource.NewInstance(poolName, seq, c.Pool), ep: ep}, nil
	}
	pair := &registry.Pair{
		Workers: registry.NewWorkerPool(name, pc.Size),
		Pool:    pool.New(cfg, factory),
	}
	if p.withCache {
		cachePC := pc
		cachePC.CacheSize = 100
		pair.Cache = cache.NewRW(cache.New(name, cachePC))
	}
	p.pairs[name] = pair
	return pair, nil
}

func (p *fakeProvider) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pair := range p.pairs {
		pair.Pool.Stop()
		pair.Workers.Stop()
	}
}

func testCtx(timeout time.Duration) context.Context {
	return request.With(context.Background(), request.New("test", "local", timeout, nil))
}

func TestTwoParticipantCommit(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("db").result = "db-ok"
	p.endpoint("queue").result = "queue-ok"

	tx := New(p).
		Append(Call{Resource: "db", Method: "execute", Args: []any{"UPDATE"}}).
		Append(Call{Resource: "queue", Method: "send", Args: []any{"msg"}})

	v, err := tx.Execute(testCtx(5 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	results, ok := v.([]any)
	if !ok || len(results) != 2 || results[0] != "db-ok" || results[1] != "queue-ok" {
		t.Fatalf("results = %v", v)
	}

	for _, name := range []string{"db", "queue"} {
		calls, commits, rollbacks := p.endpoint(name).counts()
		if calls != 1 || commits != 1 || rollbacks != 0 {
			t.Fatalf("%s: calls/commits/rollbacks = %d/%d/%d", name, calls, commits, rollbacks)
		}
	}
}

func TestFailureRollsBackEveryone(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("db").result = "db-ok"
	p.endpoint("queue").callErr = NewResourceError("broker down", false, true)

	tx := New(p).
		Append(Call{Resource: "db", Method: "execute"}).
		Append(Call{Resource: "queue", Method: "send"})

	_, err := tx.Execute(testCtx(5 * time.Second))
	if err == nil {
		t.Fatal("transaction committed despite participant failure")
	}
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("error = %T, want ResourceError", err)
	}
	if re.ParticipantIndex != 1 {
		t.Fatalf("participant index = %d, want 1", re.ParticipantIndex)
	}

	// the healthy participant must have rolled back, not committed
	deadline := time.Now().Add(time.Second)
	for {
		_, commits, rollbacks := p.endpoint("db").counts()
		if rollbacks == 1 && commits == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("db: commits/rollbacks = %d/%d, want 0/1", commits, rollbacks)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeadlineWaitingForResult(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("slow").callDelay = 300 * time.Millisecond

	tx := New(p).Append(Call{Resource: "slow", Method: "execute"})
	_, err := tx.Execute(testCtx(50 * time.Millisecond))

	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v (%T), want ExecutionError", err, err)
	}
	if ee.ParticipantIndex != 0 {
		t.Fatalf("participant index = %d, want 0", ee.ParticipantIndex)
	}
}

func TestCommitFailureSurfacesAndExpires(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("db").commitErr = errors.New("connection lost")

	tx := New(p).Append(Call{Resource: "db", Method: "execute"})
	_, err := tx.Execute(testCtx(5 * time.Second))

	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T), want CommitError", err, err)
	}

	// the instance was expired by the failed commit and must not be reused
	pair, _ := p.Get("db")
	deadline := time.Now().Add(time.Second)
	for {
		free, _ := pair.Pool.Counts()
		if free == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("instance with failed commit returned to the free list")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMinTimeDecline(t *testing.T) {
	p := newProvider(false)
	p.minTime = 500 * time.Millisecond
	defer p.stop()

	tx := New(p).Append(Call{Resource: "db", Method: "get"})
	_, err := tx.Execute(testCtx(100 * time.Millisecond))

	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v (%T), want ResourceError", err, err)
	}
	if !re.Recoverable || re.Terminal {
		t.Fatalf("decline = %+v, want recoverable non-terminal", re)
	}
	calls, _, _ := p.endpoint("db").counts()
	if calls != 0 {
		t.Fatalf("endpoint called %d times, want 0 (resource declined)", calls)
	}
}

func TestCacheHitSkipsExecution(t *testing.T) {
	p := newProvider(true)
	defer p.stop()
	p.endpoint("db").result = "rows"

	call := Call{
		Resource: "db",
		Method:   "query",
		Args:     []any{"SELECT"},
		Options:  CallOptions{ReadKeys: []string{"orders"}},
	}

	v1, err := Execute1(testCtx(5*time.Second), p, call)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := Execute1(testCtx(5*time.Second), p, call)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "rows" || v2 != "rows" {
		t.Fatalf("results = %v, %v", v1, v2)
	}

	calls, commits, _ := p.endpoint("db").counts()
	if calls != 1 {
		t.Fatalf("endpoint called %d times, want 1 (second was a cache hit)", calls)
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want 1 (cache hit skips begin/commit)", commits)
	}
}

func TestCacheHitPlainCall(t *testing.T) {
	p := newProvider(true)
	defer p.stop()
	p.endpoint("db").result = "rows"

	// no read/write keys, no explicit key: the cache key derives from the
	// method and arguments alone
	call := Call{Resource: "db", Method: "query", Args: []any{"SELECT"}}

	v1, err := Execute1(testCtx(5*time.Second), p, call)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := Execute1(testCtx(5*time.Second), p, call)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "rows" || v2 != "rows" {
		t.Fatalf("results = %v, %v", v1, v2)
	}

	calls, commits, _ := p.endpoint("db").counts()
	if calls != 1 {
		t.Fatalf("endpoint called %d times, want 1 (second call must be a cache hit)", calls)
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want 1 (cache hit skips begin/commit)", commits)
	}
}

func TestExplicitCacheKeyEngagesCache(t *testing.T) {
	p := newProvider(true)
	defer p.stop()
	p.endpoint("db").result = "rows"

	first := Call{
		Resource: "db", Method: "query", Args: []any{"SELECT a"},
		Options: CallOptions{CacheKey: "shared"},
	}
	second := Call{
		Resource: "db", Method: "query", Args: []any{"SELECT b"},
		Options: CallOptions{CacheKey: "shared"},
	}

	if _, err := Execute1(testCtx(5*time.Second), p, first); err != nil {
		t.Fatal(err)
	}
	if _, err := Execute1(testCtx(5*time.Second), p, second); err != nil {
		t.Fatal(err)
	}

	calls, _, _ := p.endpoint("db").counts()
	if calls != 1 {
		t.Fatalf("endpoint called %d times, want 1 (calls share an explicit key)", calls)
	}
}

func TestWriteInvalidatesCachedRead(t *testing.T) {
	p := newProvider(true)
	defer p.stop()
	p.endpoint("db").result = "rows"

	read := Call{
		Resource: "db",
		Method:   "query",
		Args:     []any{"SELECT"},
		Options:  CallOptions{ReadKeys: []string{"orders"}},
	}
	write := Call{
		Resource: "db",
		Method:   "execute",
		Args:     []any{"UPDATE"},
		Options:  CallOptions{WriteKeys: []string{"orders"}},
	}

	if _, err := Execute1(testCtx(5*time.Second), p, read); err != nil {
		t.Fatal(err)
	}
	if _, err := Execute1(testCtx(5*time.Second), p, write); err != nil {
		t.Fatal(err)
	}
	if _, err := Execute1(testCtx(5*time.Second), p, read); err != nil {
		t.Fatal(err)
	}

	calls, _, _ := p.endpoint("db").counts()
	if calls != 3 {
		t.Fatalf("endpoint called %d times, want 3 (write evicted the cached read)", calls)
	}
}

func TestAcceptFirst(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("fast").result = "fast-wins"
	p.endpoint("slow").callDelay = 200 * time.Millisecond
	p.endpoint("slow").result = "slow-loses"

	tx := New(p, WithAccept(AcceptFirst), WithSyncCommit(false)).
		Append(Call{Resource: "slow", Method: "get"}).
		Append(Call{Resource: "fast", Method: "get"})

	v, err := tx.Execute(testCtx(5 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if v != "fast-wins" {
		t.Fatalf("result = %v, want the fast participant's", v)
	}
}

func TestAcceptFirstAllErrors(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("a").callErr = NewResourceError("down", true, false)
	p.endpoint("b").callErr = NewResourceError("down", true, false)

	tx := New(p, WithAccept(AcceptFirst), WithSyncCommit(false)).
		Append(Call{Resource: "a", Method: "get"}).
		Append(Call{Resource: "b", Method: "get"})

	if _, err := tx.Execute(testCtx(5 * time.Second)); err == nil {
		t.Fatal("all-error transaction succeeded")
	}
}

func TestEarlyDecisionWithSyncCommitRejected(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("fast").result = "v"
	p.endpoint("slow").callDelay = 200 * time.Millisecond

	// AcceptFirst decides before the slow participant reports; with sync
	// commit on, that is a contract violation
	tx := New(p, WithAccept(AcceptFirst)).
		Append(Call{Resource: "slow", Method: "get"}).
		Append(Call{Resource: "fast", Method: "get"})

	_, err := tx.Execute(testCtx(5 * time.Second))
	var ipe *InputParameterError
	if !errors.As(err, &ipe) {
		t.Fatalf("error = %v (%T), want InputParameterError", err, err)
	}
}

func TestNoParticipants(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	if _, err := New(p).Execute(testCtx(time.Second)); err == nil {
		t.Fatal("empty transaction succeeded")
	}
}

func TestUnknownResource(t *testing.T) {
	failing := providerFunc(func(name string) (*registry.Pair, error) {
		return nil, fmt.Errorf("no config for %q", name)
	})
	tx := New(failing).Append(Call{Resource: "ghost", Method: "get"})
	var ipe *InputParameterError
	if _, err := tx.Execute(testCtx(time.Second)); !errors.As(err, &ipe) {
		t.Fatalf("error = %v, want InputParameterError", err)
	}
}

type providerFunc func(name string) (*registry.Pair, error)

func (f providerFunc) Get(name string) (*registry.Pair, error) { return f(name) }

func TestClassifyWrapsUnknownErrors(t *testing.T) {
	plain := errors.New("boom")
	re, wrapped := classify(plain, true)
	if re.Recoverable || !re.Terminal {
		t.Fatalf("in-transaction wrap = %+v, want non-recoverable terminal", re)
	}
	if !errors.Is(wrapped, plain) {
		t.Fatal("original error lost in wrapping")
	}

	re, _ = classify(plain, false)
	if !re.Recoverable {
		t.Fatal("pre-transaction failure must be recoverable")
	}
}

func TestClassifyFindsEmbedded(t *testing.T) {
	sqlErr := &SQLResourceError{
		ResourceError: ResourceError{Msg: "syntax", ParticipantIndex: -1},
		State:         "42601",
	}
	re, _ := classify(sqlErr, true)
	re.ParticipantIndex = 7 // the coordinator stamps through the embedding
	var found *SQLResourceError
	if !errors.As(error(sqlErr), &found) || found.ParticipantIndex != 7 {
		t.Fatal("participant index did not propagate into the concrete error")
	}
}

func TestExpiredAtPickupProducesNoResult(t *testing.T) {
	prov := newProvider(false)
	defer prov.stop()
	pair, err := prov.Get("db")
	if err != nil {
		t.Fatal(err)
	}

	tx := New(prov)
	tx.calls = []Call{{Resource: "db", Method: "get"}}
	tx.start = time.Now()
	tx.results = make(chan result, 1)
	tx.finals = make(chan final, 1)
	tx.decision = make(chan struct{})

	p := &participant{
		tx:    tx,
		index: 0,
		call:  tx.calls[0],
		pair:  pair,
		rc:    request.New("test", "local", 0, nil), // expired on arrival
	}
	p.run(context.Background())

	select {
	case r := <-tx.results:
		t.Fatalf("expired participant pushed a result: %+v", r)
	default:
	}
	calls, _, _ := prov.endpoint("db").counts()
	if calls != 0 {
		t.Fatalf("endpoint called %d times, want 0", calls)
	}
}

func TestRejectedSubmitConfirmsFailure(t *testing.T) {
	prov := newProvider(false)
	defer prov.stop()
	prov.endpoint("ok").result = "v"

	// saturate and stop the workers of one resource so its Submit is refused
	dead, err := prov.Get("dead")
	if err != nil {
		t.Fatal(err)
	}
	dead.Workers.Stop()
	for dead.Workers.Submit(context.Background(), func() {}) {
	}

	tx := New(prov, WithAccept(AcceptNonEmpty)).
		Append(Call{Resource: "dead", Method: "get"}).
		Append(Call{Resource: "ok", Method: "get"})

	_, err = tx.Execute(testCtx(2 * time.Second))
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T), want CommitError", err, err)
	}
	// the rejected participant must confirm as a failure immediately, not
	// leave the commit wait hanging until the deadline
	if ce.ParticipantIndex != 0 || !strings.Contains(ce.Msg, "reported") {
		t.Fatalf("commit error = %+v, want participant 0 reporting failure", ce)
	}
}

func TestConcurrentTransactions(t *testing.T) {
	p := newProvider(false)
	defer p.stop()
	p.endpoint("db").result = "ok"

	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute1(testCtx(5*time.Second), p, Call{Resource: "db", Method: "get"})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := failures.Load(); n != 0 {
		t.Fatalf("%d of 8 concurrent transactions failed", n)
	}
}
