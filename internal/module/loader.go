package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/metrics"
	"github.com/roosthq/roost/internal/request"
	"github.com/roosthq/roost/internal/transaction"
)

const sentinel = "// EOF"

// ErrDeadline is returned when the ambient request's deadline elapses while
// waiting for a module lock.
var ErrDeadline = errors.New("module: request deadline waiting for module lock")

// hostSymbols publishes the export-shape wrappers to interpreted modules,
// which import them as "roost":
//
//	import "roost"
//
//	var Exports = map[string]any{
//	    "who": roost.WithSourceModule(func(source string, args []any, kwargs map[string]any) (any, error) {
//	        return source, nil
//	    }),
//	}
var hostSymbols = interp.Exports{
	"roost/roost": {
		"WithSourceModule":   reflect.ValueOf(WithSourceModule),
		"WithCallAttributes": reflect.ValueOf(WithCallAttributes),
	},
}

// Options configures a Loader.
type Options struct {
	// CageDir is searched first, SharedDir second.
	CageDir   string
	SharedDir string
	Node      string
	Cage      string
	// Recheck throttles per-module mtime stats; within this window a
	// module is served as-is without touching the filesystem.
	Recheck time.Duration
	// Provider backs the "execute" binding handed to modules, through which
	// business code issues resource transactions. Nil disables the binding.
	Provider transaction.Provider
}

// Loader owns the table of interpreted modules. Each module has its own
// reader/writer lock: calls take it shared, reloads exclusive with writer
// priority, and one module's reload never blocks calls into another.
type Loader struct {
	opts Options

	// mu guards the module map plus the version/reloadable/lastCheck fields
	// read by the lock-free fast path of ensure.
	mu      sync.Mutex
	modules map[string]*loaded
}

// NewLoader creates a loader over the given directories.
func NewLoader(opts Options) *Loader {
	if opts.Recheck <= 0 {
		opts.Recheck = time.Second
	}
	return &Loader{
		opts:    opts,
		modules: make(map[string]*loaded),
	}
}

// Call invokes "module.method" (optionally with intermediate attributes,
// "module.attr.method") with the ambient request's deadline bounding every
// wait. Underscore-prefixed names are not callable from outside.
func (l *Loader) Call(ctx context.Context, target string, args []any, kwargs map[string]any) (any, error) {
	return l.CallFrom(ctx, "", target, args, kwargs)
}

// CallFrom is Call with an explicit calling module name, delivered to
// exports registered via WithSourceModule.
func (l *Loader) CallFrom(ctx context.Context, sourceModule, target string, args []any, kwargs map[string]any) (any, error) {
	parts := strings.Split(target, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("module: malformed call target %q", target)
	}
	name, attrs := parts[0], parts[1:]
	method := attrs[len(attrs)-1]
	if strings.HasPrefix(method, "_") {
		return nil, fmt.Errorf("module %s: %q is not callable", name, method)
	}

	rc, ok := request.From(ctx)
	if !ok {
		rc = request.Fake(30 * time.Second)
	}

	m, err := l.ensure(rc, name)
	if err != nil {
		return nil, err
	}

	if !rc.Acquire(m.lock, true) {
		return nil, ErrDeadline
	}
	defer m.lock.Release(true)

	export, err := m.resolve(method)
	if err != nil {
		return nil, err
	}
	middle := attrs[:len(attrs)-1]
	return invoke(export, sourceModule, middle, args, kwargs)
}

// Module returns the current version number of a module, loading it if
// needed. Useful for tests and diagnostics.
func (l *Loader) Module(ctx context.Context, name string) (version int, err error) {
	rc, ok := request.From(ctx)
	if !ok {
		rc = request.Fake(30 * time.Second)
	}
	m, err := l.ensure(rc, name)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return m.version, nil
}

// invoke dispatches on the export's registered shape.
func invoke(export any, sourceModule string, middle []string, args []any, kwargs map[string]any) (any, error) {
	switch fn := export.(type) {
	case sourceModuleExport:
		return fn.fn(sourceModule, args, kwargs)
	case callAttributesExport:
		return fn.fn(middle, args, kwargs)
	case PlainFunc:
		return fn(args, kwargs)
	case func(args []any, kwargs map[string]any) (any, error):
		return fn(args, kwargs)
	default:
		return nil, fmt.Errorf("module: export has unsupported shape %T", export)
	}
}

// entry returns the persistent per-name record, creating an empty one (with
// its lock) on first sight of the name.
func (l *Loader) entry(name string) *loaded {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.modules[name]
	if m == nil {
		m = &loaded{name: name, lock: request.NewRWLock()}
		l.modules[name] = m
	}
	return m
}

// ensure serves the current version of a module, loading or reloading first
// when the file warrants it. The mtime stat is throttled per module; the
// decision to reload is re-checked under the module's exclusive lock because
// another caller may have loaded in between.
func (l *Loader) ensure(rc *request.Context, name string) (*loaded, error) {
	m := l.entry(name)

	l.mu.Lock()
	current := m.version > 0 &&
		(!m.reloadable || time.Since(m.lastCheck) < l.opts.Recheck)
	l.mu.Unlock()
	if current {
		return m, nil
	}

	if !rc.Acquire(m.lock, false) {
		return nil, ErrDeadline
	}
	defer m.lock.Release(false)

	l.mu.Lock()
	version := m.version
	l.mu.Unlock()

	if version == 0 {
		return m, l.load(m)
	}

	mtime, err := l.stat(m.path)
	l.mu.Lock()
	m.lastCheck = time.Now()
	reloadable := m.reloadable
	l.mu.Unlock()
	if err != nil || !reloadable || !mtime.After(m.mtime) || mtime.Equal(m.badMtime) {
		return m, nil // current version stays in service
	}

	if err := l.load(m); err != nil {
		// sticky failure: remember the bad mtime and keep serving the
		// old version until the file changes again
		m.badMtime = mtime
		metrics.RecordModuleReload(name, "failure")
		logging.Op().Error("module reload failed, keeping old version",
			"module", name, "version", version, "error", err)
		return m, nil
	}
	metrics.RecordModuleReload(name, "success")
	logging.Op().Info("module reloaded", "module", name, "version", version+1)
	return m, nil
}

// load interprets the module file and, only on success, swaps the results
// into m and bumps its version. The caller holds m's exclusive lock.
func (l *Loader) load(m *loaded) error {
	path, err := l.find(m.name)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.name, err)
	}
	if !endsWithSentinel(src) {
		return fmt.Errorf("module %s: missing %s sentinel, file incomplete", m.name, sentinel)
	}
	mtime, err := l.stat(path)
	if err != nil {
		return err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("module %s: %w", m.name, err)
	}
	if err := i.Use(hostSymbols); err != nil {
		return fmt.Errorf("module %s: %w", m.name, err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return fmt.Errorf("module %s: %w", m.name, err)
	}

	exports := map[string]any{}
	if v, err := i.Eval("main.Exports"); err == nil {
		if e, ok := v.Interface().(map[string]any); ok {
			exports = e
		}
	}
	reloadable := true
	if v, err := i.Eval("main.Reloadable"); err == nil {
		if r, ok := v.Interface().(bool); ok {
			reloadable = r
		}
	}
	var getattr GetattrFunc
	if g, ok := exports["__getattr__"]; ok {
		if fn, ok := g.(func(string) (any, bool)); ok {
			getattr = fn
		}
		delete(exports, "__getattr__")
	}
	if v, err := i.Eval("main.Init"); err == nil {
		if fn, ok := v.Interface().(func(map[string]any)); ok {
			fn(l.bindings(m.name))
		}
	}

	m.path = path
	m.exports = exports
	m.getattr = getattr
	m.mtime = mtime
	l.mu.Lock()
	m.version++
	m.reloadable = reloadable
	m.lastCheck = time.Now()
	l.mu.Unlock()
	return nil
}

// bindings builds the injection map handed to a module's Init export. The
// call and execute bindings run under a synthetic request and name the
// initializing module as the source.
func (l *Loader) bindings(name string) map[string]any {
	return map[string]any{
		"node":     l.opts.Node,
		"cage":     l.opts.Cage,
		"cage_dir": l.opts.CageDir,
		"call": func(target string, args []any, kwargs map[string]any) (any, error) {
			ctx := request.With(context.Background(), request.Fake(30*time.Second))
			return l.CallFrom(ctx, name, target, args, kwargs)
		},
		// execute issues "resource.method" as a single-participant
		// transaction against the process pools
		"execute": func(target string, args []any, kwargs map[string]any) (any, error) {
			if l.opts.Provider == nil {
				return nil, fmt.Errorf("module %s: no resource provider configured", name)
			}
			res, method, ok := strings.Cut(target, ".")
			if !ok {
				return nil, fmt.Errorf("module %s: malformed execute target %q", name, target)
			}
			ctx := request.With(context.Background(), request.Fake(30*time.Second))
			c := transaction.Call{Resource: res, Method: method, Args: args, Kwargs: kwargs}
			return transaction.Execute1(ctx, l.opts.Provider, c, transaction.WithSourceModule(name))
		},
	}
}

// find locates the module source: cage dir first, shared dir second.
func (l *Loader) find(name string) (string, error) {
	file := name + ".go"
	for _, dir := range []string{l.opts.CageDir, l.opts.SharedDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("module %s: not found in %s or %s", name, l.opts.CageDir, l.opts.SharedDir)
}

func (l *Loader) stat(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("module: %w", err)
	}
	return fi.ModTime(), nil
}

// endsWithSentinel checks that the last non-blank line is the sentinel.
func endsWithSentinel(src []byte) bool {
	s := strings.TrimRight(string(src), " \t\r\n")
	i := strings.LastIndexByte(s, '\n')
	return strings.TrimSpace(s[i+1:]) == sentinel
}
