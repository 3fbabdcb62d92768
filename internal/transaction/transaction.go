// Package transaction executes N resource calls as one best-effort
// distributed transaction: participants fan out to per-resource worker
// pools, intermediate results gather under an acceptance predicate, then a
// single decision (commit or rollback) is broadcast to every participant.
// There is deliberately no two-phase commit; the guarantee is "all
// participants learned the same decision", nothing stronger.
package transaction

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/metrics"
	"github.com/roosthq/roost/internal/registry"
	"github.com/roosthq/roost/internal/request"
)

// fakeTimeout bounds transactions issued without an ambient request, e.g.
// from process startup code.
const fakeTimeout = 30 * time.Second

var tracer = otel.Tracer("roost/transaction")

// Provider dispenses the worker/resource pool pair per resource name. The
// process registry implements it; tests substitute their own.
type Provider interface {
	Get(name string) (*registry.Pair, error)
}

type result struct {
	index int
	value any
	err   error
}

type final struct {
	index  int
	status string // "commit", "rollback", "failure"
}

// Transaction is a single-use fan-out of calls. Append participants, then
// Execute once.
type Transaction struct {
	xid          string
	sourceModule string
	accept       Accept
	syncCommit   bool
	provider     Provider
	calls        []Call

	start    time.Time
	results  chan result
	finals   chan final
	decision chan struct{}
	commit   atomic.Bool
}

// Option adjusts a transaction at construction.
type Option func(*Transaction)

// WithAccept replaces the default acceptance predicate.
func WithAccept(a Accept) Option { return func(t *Transaction) { t.accept = a } }

// WithSyncCommit controls whether Execute waits for every participant's
// commit confirmation. Default true.
func WithSyncCommit(sync bool) Option { return func(t *Transaction) { t.syncCommit = sync } }

// WithSourceModule records the business module issuing the transaction.
func WithSourceModule(name string) Option { return func(t *Transaction) { t.sourceModule = name } }

// New creates an empty transaction with a fresh XID.
func New(provider Provider, opts ...Option) *Transaction {
	t := &Transaction{
		xid:        uuid.NewString(),
		accept:     AcceptAll,
		syncCommit: true,
		provider:   provider,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transaction) XID() string { return t.xid }

// Append enrolls one participant. Participants are numbered in attachment
// order; that index appears in any surfaced error.
func (t *Transaction) Append(c Call) *Transaction {
	t.calls = append(t.calls, c)
	return t
}

// Execute runs all participants and returns the accepted result (for the
// default predicate, the slice of participant values in order).
func (t *Transaction) Execute(ctx context.Context) (any, error) {
	n := len(t.calls)
	if n == 0 {
		return nil, &InputParameterError{Msg: "transaction has no participants"}
	}

	rc, ok := request.From(ctx)
	if !ok {
		rc = request.Fake(fakeTimeout)
		ctx = request.With(ctx, rc)
	}

	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("xid", t.xid),
			attribute.Int("participants", n),
		))
	defer span.End()

	t.start = time.Now()
	t.results = make(chan result, n)
	t.finals = make(chan final, n)
	t.decision = make(chan struct{})

	// Participants get a clone of the ambient request so their timeout
	// clocks are uniform and mutations stay private, and a context that
	// survives the caller returning early on the rollback path.
	base := context.WithoutCancel(ctx)
	for i, c := range t.calls {
		pair, err := t.provider.Get(c.Resource)
		if err != nil {
			t.decide(false)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordTransaction("invalid", time.Since(t.start).Seconds())
			return nil, &InputParameterError{Msg: err.Error()}
		}
		p := &participant{
			tx:    t,
			index: i,
			call:  c,
			pair:  pair,
			rc:    rc.Clone(),
		}
		submitCtx, cancel := context.WithTimeout(ctx, rc.Remaining())
		accepted := pair.Workers.Submit(submitCtx, func() { p.run(base) })
		cancel()
		if !accepted {
			// the unit never reached a worker: report both the result and the
			// final here so the sync-commit wait is not left short one
			// confirmation under a predicate that tolerates errors
			t.results <- result{index: i, err: &ResourceError{
				Msg:              "no worker available",
				Recoverable:      true,
				ParticipantIndex: i,
			}}
			t.finals <- final{index: i, status: "failure"}
		}
	}

	value, err := t.drain(rc)
	outcome := "commit"
	if err != nil {
		outcome = "rollback"
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordTransaction(outcome, time.Since(t.start).Seconds())
	return value, err
}

// drain collects intermediate results, runs the acceptance predicate and
// broadcasts the decision; on the commit path with sync commit enabled it
// then waits for every participant's confirmation.
func (t *Transaction) drain(rc *request.Context) (any, error) {
	n := len(t.calls)
	results := make([]any, n)
	got := make([]bool, n)
	received := 0

	var value any
	decided := false
	var acceptErr error

	for received < n && !decided {
		timer := time.NewTimer(rc.Remaining())
		select {
		case res := <-t.results:
			timer.Stop()
			received++
			got[res.index] = true
			if res.err != nil {
				results[res.index] = res.err
			} else {
				results[res.index] = res.value
			}
			value, decided, acceptErr = t.accept(results, got)
		case <-timer.C:
			t.decide(false)
			missing := 0
			for i, g := range got {
				if !g {
					missing = i
					break
				}
			}
			return nil, &ExecutionError{
				Msg:              "request deadline waiting for intermediate result",
				ParticipantIndex: missing,
			}
		}
	}

	if !decided {
		t.decide(false)
		return nil, &ExecutionError{Msg: "intermediate results were not accepted", ParticipantIndex: -1}
	}
	if acceptErr != nil {
		t.decide(false)
		return nil, acceptErr
	}
	if t.syncCommit && received < n {
		// an early-deciding predicate (AcceptFirst) is only sound when the
		// caller does not wait for commits
		t.decide(false)
		return nil, &InputParameterError{
			Msg: "acceptance predicate decided before all results with sync commit enabled",
		}
	}

	t.decide(true)
	if !t.syncCommit {
		return value, nil
	}

	confirmed := make([]bool, n)
	for k := 0; k < received; k++ {
		timer := time.NewTimer(rc.Remaining())
		select {
		case f := <-t.finals:
			timer.Stop()
			confirmed[f.index] = true
			if f.status != "commit" {
				return nil, &CommitError{
					Msg:              "participant reported " + f.status,
					ParticipantIndex: f.index,
				}
			}
		case <-timer.C:
			missing := 0
			for i := 0; i < n; i++ {
				if got[i] && !confirmed[i] {
					missing = i
					break
				}
			}
			return nil, &CommitError{
				Msg:              "request deadline waiting for commit",
				ParticipantIndex: missing,
			}
		}
	}
	return value, nil
}

// decide publishes the commit flag and releases every participant blocked
// on the decision. Called exactly once per transaction.
func (t *Transaction) decide(commit bool) {
	t.commit.Store(commit)
	close(t.decision)
	logging.Op().Debug("transaction decision", "xid", t.xid, "commit", commit)
}

// Execute1 is the single-participant shortcut: sugar for a one-participant
// transaction whose result is unwrapped from the singleton slice.
func Execute1(ctx context.Context, provider Provider, c Call, opts ...Option) (any, error) {
	v, err := New(provider, opts...).Append(c).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if vs, ok := v.([]any); ok && len(vs) == 1 {
		return vs[0], nil
	}
	return v, nil
}
