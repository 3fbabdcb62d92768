// Package module hot-loads business modules into the running cage. Modules
// are Go source files executed by an embedded interpreter; each file ends
// with a literal "// EOF" sentinel line (an incomplete upload never loads)
// and publishes callable entry points through an Exports whitelist.
package module

import (
	"fmt"
	"time"

	"github.com/roosthq/roost/internal/request"
)

// PlainFunc is the default export shape.
type PlainFunc func(args []any, kwargs map[string]any) (any, error)

// SourceModuleFunc additionally receives the calling module's name.
type SourceModuleFunc func(sourceModule string, args []any, kwargs map[string]any) (any, error)

// CallAttributesFunc additionally receives the attribute chain between the
// module and the method in the call target.
type CallAttributesFunc func(attrs []string, args []any, kwargs map[string]any) (any, error)

// GetattrFunc is the "__getattr__" export: dynamic lookup for names absent
// from the whitelist.
type GetattrFunc func(name string) (any, bool)

// sourceModuleExport and callAttributesExport mark an export as opted in to
// the extra argument. Modules wrap their functions at registration:
//
//	var Exports = map[string]any{
//	    "process": module.WithSourceModule(process),
//	}
type sourceModuleExport struct{ fn SourceModuleFunc }
type callAttributesExport struct{ fn CallAttributesFunc }

// WithSourceModule registers fn to receive the caller module's name.
func WithSourceModule(fn SourceModuleFunc) any { return sourceModuleExport{fn} }

// WithCallAttributes registers fn to receive the intermediate attribute
// chain of the call target.
func WithCallAttributes(fn CallAttributesFunc) any { return callAttributesExport{fn} }

// InitFunc is the optional Init entry point of a module. It receives the
// loader's injected bindings as a plain map, the only shape an interpreted
// module can accept without host type symbols:
//
//	"node", "cage", "cage_dir": strings
//	"call": func(target string, args []any, kwargs map[string]any) (any, error)
//	        calling back into other modules through the loader
//	"execute": func(target string, args []any, kwargs map[string]any) (any, error)
//	           issuing "resource.method" as a single-participant transaction
//
// Init runs under its own module's exclusive lock: the call binding may
// reach other modules but must not target the module being initialized.
type InitFunc func(bindings map[string]any)

// loaded is the persistent record of one module: its reader/writer lock and
// the currently served version. The record survives reloads; load swaps the
// contents in place under the exclusive lock.
type loaded struct {
	name string
	lock *request.RWLock

	path       string
	version    int
	exports    map[string]any
	getattr    GetattrFunc
	reloadable bool

	mtime     time.Time
	lastCheck time.Time
	// badMtime remembers a version that failed to load; no retry happens
	// until the file changes again
	badMtime time.Time
}

// resolve finds an export by name, consulting __getattr__ for names missing
// from the whitelist.
func (m *loaded) resolve(name string) (any, error) {
	if v, ok := m.exports[name]; ok {
		return v, nil
	}
	if m.getattr != nil {
		if v, ok := m.getattr(name); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("module %s: no export %q", m.name, name)
}
