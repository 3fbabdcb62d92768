// Package request carries the per-operation state of a cage: deadline,
// description, authentication parameters and log-level overrides. A request
// is created at the edge (an interface accepting a message) or synthetically
// for background tasks, travels inside a context.Context, and is cloned when
// work fans out to parallel workers so children cannot mutate the caller's
// view.
package request

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roosthq/roost/internal/deepcopy"
	"github.com/roosthq/roost/internal/logging"
)

// Context is the ambient state of one logical operation. All methods are
// safe for concurrent use.
type Context struct {
	mu          sync.Mutex
	uniqueID    string
	iface       string
	protocol    string
	description string
	deadline    time.Time
	parameters  map[string]any
	levels      []slog.Level
}

// New creates a request accepted by the named interface over the given
// protocol, with an absolute deadline of now+timeout. params may be nil;
// an "auth_tokens" entry, when present, must be a map[string]any.
func New(iface, protocol string, timeout time.Duration, params map[string]any) *Context {
	if params == nil {
		params = make(map[string]any)
	}
	return &Context{
		uniqueID:   uuid.NewString(),
		iface:      iface,
		protocol:   protocol,
		deadline:   time.Now().Add(timeout),
		parameters: params,
	}
}

// Fake creates a synthetic request for background tasks that have no real
// originating message.
func Fake(timeout time.Duration) *Context {
	c := New("none", "none", timeout, nil)
	c.description = "background task"
	return c
}

func (c *Context) UniqueID() string  { return c.uniqueID }
func (c *Context) Interface() string { return c.iface }
func (c *Context) Protocol() string  { return c.protocol }

func (c *Context) Description() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.description
}

func (c *Context) SetDescription(s string) {
	c.mu.Lock()
	c.description = s
	c.mu.Unlock()
}

// Deadline returns the absolute deadline.
func (c *Context) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Remaining returns the time left before the deadline, never negative.
func (c *Context) Remaining() time.Duration {
	if d := time.Until(c.Deadline()); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the deadline has elapsed.
func (c *Context) Expired() bool {
	return c.Remaining() == 0
}

// SetRemaining moves the deadline to now+d, but only to tighten it: a value
// beyond the current deadline is ignored.
func (c *Context) SetRemaining(d time.Duration) {
	t := time.Now().Add(d)
	c.mu.Lock()
	if t.Before(c.deadline) {
		c.deadline = t
	}
	c.mu.Unlock()
}

// SetDeadline replaces the deadline unconditionally. It exists for the
// transaction coordinator, which clamps a participant's clone to the
// resource's max_time for the duration of a call and restores it on exit.
// Regular code tightens with SetRemaining instead.
func (c *Context) SetDeadline(t time.Time) {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
}

// Clone returns a request with deep-copied parameters and the same deadline,
// description and identity. Used when fanning out to parallel participants.
func (c *Context) Clone() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Context{
		uniqueID:    c.uniqueID,
		iface:       c.iface,
		protocol:    c.protocol,
		description: c.description,
		deadline:    c.deadline,
		parameters:  deepcopy.Map(c.parameters),
		levels:      append([]slog.Level(nil), c.levels...),
	}
}

// Parameter returns a named request parameter.
func (c *Context) Parameter(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.parameters[key]
	return v, ok
}

// SetParameter stores a named request parameter.
func (c *Context) SetParameter(key string, value any) {
	c.mu.Lock()
	c.parameters[key] = value
	c.mu.Unlock()
}

// AuthToken returns one of the request's authentication tokens.
func (c *Context) AuthToken(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens, ok := c.parameters["auth_tokens"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := tokens[name]
	return v, ok
}

// PushLogLevel overrides the effective log level for this request until the
// matching PopLogLevel. Pushes and pops must be balanced.
func (c *Context) PushLogLevel(l slog.Level) {
	c.mu.Lock()
	c.levels = append(c.levels, l)
	c.mu.Unlock()
}

// PopLogLevel removes the most recent override.
func (c *Context) PopLogLevel() {
	c.mu.Lock()
	if n := len(c.levels); n > 0 {
		c.levels = c.levels[:n-1]
	}
	c.mu.Unlock()
}

// LogLevel returns the effective level: the top of the request's override
// stack, else the process default.
func (c *Context) LogLevel() slog.Level {
	c.mu.Lock()
	if n := len(c.levels); n > 0 {
		l := c.levels[n-1]
		c.mu.Unlock()
		return l
	}
	c.mu.Unlock()
	return logging.Level()
}

// LogEnabled reports whether records at level l should be emitted for this
// request. Callers use it to short-circuit expensive message construction:
//
//	if rc.LogEnabled(slog.LevelDebug) { ... }
func (c *Context) LogEnabled(l slog.Level) bool {
	return l >= c.LogLevel()
}

// Acquire takes the lock honoring this request's deadline: it returns false,
// without the lock, when the deadline elapses first. This is the only
// supported way for request-serving code to wait on shared mutable state.
func (c *Context) Acquire(l *RWLock, shared bool) bool {
	return l.AcquireUntil(c.Deadline(), shared)
}

type ctxKey struct{}

// With attaches the request to a context.Context.
func With(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// From extracts the ambient request, if any.
func From(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok
}
