package transaction

import (
	"context"
	"log/slog"
	"time"

	"github.com/roosthq/roost/internal/cache"
	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/metrics"
	"github.com/roosthq/roost/internal/registry"
	"github.com/roosthq/roost/internal/request"
	"github.com/roosthq/roost/internal/resource"
)

// participant is one call's execution against its resource pool: allocate,
// probe the cache, begin, call, report the intermediate result, then act on
// the coordinator's decision and confirm.
type participant struct {
	tx    *Transaction
	index int
	call  Call
	pair  *registry.Pair
	rc    *request.Context

	elapsed time.Duration
}

// run executes the participant on a worker goroutine. It always pushes
// exactly one result and exactly one final; both channels are buffered for
// the full participant count so neither send can block.
func (p *participant) run(base context.Context) {
	metrics.RecordParticipantPending(p.call.Resource, time.Since(p.tx.start).Seconds())

	// A unit picked up past its deadline produces no result at all; the
	// coordinator times out waiting for it, which is the correct outcome.
	if p.rc.Expired() {
		logging.Op().Warn("request deadline elapsed before participant pickup",
			"xid", p.tx.xid, "participant", p.index, "resource", p.call.Resource)
		return
	}

	ctx := request.With(base, p.rc)
	allocCtx, cancel := context.WithTimeout(ctx, p.rc.Remaining())
	inst, err := p.pair.Pool.Allocate(allocCtx)
	cancel()
	if err != nil {
		p.fail(&ResourceError{Msg: "instance allocation failed", Recoverable: true, Err: err})
		return
	}

	log := logging.Op().With("xid", p.tx.xid, "instance", inst.Name())

	// The cache is probed while holding the instance; a hit hands the slot
	// straight back without touching the endpoint. Any key-bearing call on a
	// cached pool participates; without write keys it is a read (a plain call
	// has an empty read-key set and simply never conflicts).
	key := p.call.cacheKey()
	cached := p.pair.Cache != nil && key != ""
	var creq cache.Request
	if cached {
		creq = cache.Request{
			TransactionID: p.tx.xid,
			Key:           key,
			ReadKeys:      p.call.Options.ReadKeys,
			WriteKeys:     p.call.Options.WriteKeys,
			Timeout:       p.rc.Remaining(),
		}
		value, outcome := p.cacheGet(creq)
		switch outcome {
		case cache.Hit:
			p.pair.Pool.Release(inst)
			log.Debug("cache hit", "key", key)
			p.tx.results <- result{index: p.index, value: value}
			<-p.tx.decision
			p.tx.finals <- final{index: p.index, status: "commit"}
			return
		case cache.WaitTimeout:
			p.cachePut(creq, nil, cache.ValueOptions{})
			p.pair.Pool.Release(inst)
			p.fail(&ResourceError{Msg: "timed out waiting for a cached result", Recoverable: true})
			return
		}
	}

	// A resource whose max_time is shorter than the remaining request time
	// clamps this participant's clock for the duration of the call.
	if mt := inst.MaxTime(); mt > 0 && mt < p.rc.Remaining() {
		saved := p.rc.Deadline()
		p.rc.SetRemaining(mt)
		defer p.rc.SetDeadline(saved)
	}

	value, err := p.execute(ctx, inst)
	isRead := cached && len(p.call.Options.WriteKeys) == 0

	if err != nil {
		re, werr := classify(err, true)
		if re.ParticipantIndex < 0 {
			re.ParticipantIndex = p.index
		}
		if re.Terminal {
			inst.Expire()
		}
		log.Warn("participant failed", "method", p.call.Method, "error", werr)
		if isRead {
			p.cachePut(creq, nil, cache.ValueOptions{})
		}
		p.tx.results <- result{index: p.index, err: werr}
		p.finish(inst, creq, cached, isRead, true, log)
		return
	}

	// Reads publish immediately so claim waiters unblock; the value stays
	// valid even if another participant forces a rollback.
	if isRead {
		p.cachePut(creq, p.cacheValue(value), p.valueOptions())
	}

	p.tx.results <- result{index: p.index, value: value}
	p.finish(inst, creq, cached, isRead, false, log)
}

// execute runs the min-time check, begin and the call on the allocated
// instance.
func (p *participant) execute(ctx context.Context, inst resource.Resource) (any, error) {
	// A resource that needs at least min_time declines when less is left on
	// the request clock, rather than starting work it cannot finish.
	if mn := inst.MinTime(); mn > 0 && p.rc.Remaining() < mn {
		return nil, &ResourceError{
			Msg:              "remaining request time is less than the resource minimum",
			Recoverable:      true,
			ParticipantIndex: p.index,
		}
	}

	xa := resource.Transaction{
		XID:          p.tx.xid,
		SourceModule: p.tx.sourceModule,
		Options:      p.call.Options.XAOptions,
		Args:         p.call.Options.ResourceArgs,
		Kwargs:       p.call.Options.ResourceKwargs,
	}
	if err := inst.BeginTransaction(ctx, xa); err != nil {
		re, werr := classify(err, false)
		if re.ParticipantIndex < 0 {
			re.ParticipantIndex = p.index
		}
		if re.Terminal {
			inst.Expire()
		}
		return nil, werr
	}

	started := time.Now()
	value, err := inst.Call(ctx, p.call.attrs(), p.call.Args, p.call.Kwargs)
	p.elapsed = time.Since(started)
	metrics.RecordParticipantCall(p.call.Resource, p.elapsed.Seconds())
	return value, err
}

// finish waits for the coordinator's decision, commits or rolls back the
// instance, reports the final status and returns the instance to its pool.
func (p *participant) finish(inst resource.Resource, creq cache.Request, cached, isRead, failed bool, log *slog.Logger) {
	<-p.tx.decision
	// a participant that failed its own call never commits, whatever the
	// predicate decided for the others
	commit := p.tx.commit.Load() && !failed

	status := "rollback"
	if commit {
		if err := inst.Commit(); err != nil {
			// a failed commit leaves the endpoint in an unknown state
			inst.Expire()
			log.Warn("commit failed", "error", err)
			status = "failure"
		} else {
			status = "commit"
			inst.ResetIdle()
		}
	} else {
		if err := inst.Rollback(); err != nil {
			inst.Expire()
			log.Warn("rollback failed", "error", err)
			status = "failure"
		} else {
			inst.ResetIdle()
		}
	}

	// Write invalidation waits for the decision: evicting before commit
	// would let a reader re-cache the pre-commit state and go stale the
	// moment the write lands.
	if cached && !isRead {
		p.cachePut(creq, nil, cache.ValueOptions{})
	}

	p.pair.Pool.Release(inst)
	p.tx.finals <- final{index: p.index, status: status}
	log.Debug("participant finished", "status", status)
}

// fail pushes an error result for a participant that never reached its
// resource, then waits out the decision and reports failure.
func (p *participant) fail(re *ResourceError) {
	re.ParticipantIndex = p.index
	p.tx.results <- result{index: p.index, err: re}
	<-p.tx.decision
	p.tx.finals <- final{index: p.index, status: "failure"}
}

func (p *participant) cacheGet(req cache.Request) (any, cache.Outcome) {
	if fn := p.call.Options.CacheGet; fn != nil {
		return fn(req)
	}
	return p.pair.Cache.Get(req)
}

func (p *participant) cachePut(req cache.Request, value any, opts cache.ValueOptions) {
	if fn := p.call.Options.CachePut; fn != nil {
		fn(req, value, opts)
		return
	}
	p.pair.Cache.Put(req, value, opts)
}

func (p *participant) cacheValue(value any) any {
	if fn := p.call.Options.CacheWrap; fn != nil {
		return fn(value)
	}
	return value
}

// valueOptions derives the cached value's TTL, weight and group from the
// call options; the default weight is the measured execution time, making
// expensive results the last to evict under the weight policy.
func (p *participant) valueOptions() cache.ValueOptions {
	o := p.call.Options
	w := o.CacheWeight
	if w == 0 {
		w = p.elapsed.Seconds()
	}
	return cache.ValueOptions{TTL: o.CacheTTL, Weight: w, Group: o.CacheGroup}
}
