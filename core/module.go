package core

import "fmt"

// moduleUnit is §3's "Module registry entry": one compilation unit
// (built-in or dynamically compiled from source).
type moduleUnit struct {
	symbol          *Symbol
	fileName        string
	nextDynamic     *moduleUnit
	globalVarIndex  int
	globalConstIndex int
	importedModules []*moduleUnit
	initGlobal      int // global slot holding this module's top-level init Function

	isCModule  bool
	cState     cModuleState
	pass1Done  bool
	pass2Done  bool
}

// ModuleRegistry implements §4.8: built-in and dynamic modules share one
// registry; each module is realized in two passes mirroring source
// compilation (pass 1: populate symbols/types; pass 2: resolve
// supertypes and finalize constructors).
type ModuleRegistry struct {
	c         *Compiler
	byName    map[string]*moduleUnit
	dynamics  []*moduleUnit // modules compiled from source, reclaimable by full GC (§4.7)
	builtins  map[string]BuiltinRealizer
}

// BuiltinRealizer realizes a built-in (compiled-into-the-runtime) module:
// it must populate global symbols the same way pass 1 of source
// compilation would (§4.8). The standard-library module bodies
// themselves are out of scope (§1); this is the seam they plug into.
type BuiltinRealizer func(c *Compiler, m *moduleUnit) error

func NewModuleRegistry(c *Compiler) *ModuleRegistry {
	return &ModuleRegistry{c: c, byName: map[string]*moduleUnit{}, builtins: map[string]BuiltinRealizer{}}
}

// RegisterBuiltin registers a built-in module realizer under a dotted name.
func (r *ModuleRegistry) RegisterBuiltin(name string, fn BuiltinRealizer) {
	r.builtins[name] = fn
}

// Import realizes name on first import (source or built-in), returning
// the existing unit on subsequent imports (§4.8). Import cycles are
// permitted as long as a type's supertype is not required to resolve
// before its defining module finishes pass 1 (§4.8) — enforced by the
// deferred-resolution pass in compile.go rather than here.
func (r *ModuleRegistry) Import(dottedName string, realizeSrc func(*moduleUnit) error) (*moduleUnit, error) {
	if m, ok := r.byName[dottedName]; ok {
		return m, nil
	}
	parts := splitDotted(dottedName)
	sym := r.c.Syms.ModuleSymbol(parts)
	m := &moduleUnit{symbol: sym, fileName: dottedName}
	r.byName[dottedName] = m

	if fn, ok := r.builtins[dottedName]; ok {
		m.isCModule = true
		m.cState = cModuleActive
		if err := fn(r.c, m); err != nil {
			return nil, fmt.Errorf("realizing builtin module %s: %w", dottedName, err)
		}
		m.pass1Done, m.pass2Done = true, true
		return m, nil
	}

	r.dynamics = append(r.dynamics, m)
	if realizeSrc != nil {
		if err := realizeSrc(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func splitDotted(name string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			parts = append(parts, name[start:i])
			start = i + 1
		}
	}
	parts = append(parts, name[start:])
	return parts
}

// Dynamics returns every dynamically-compiled module unit, for the GC's
// dedicated sweep that reclaims unreachable ones (§4.7).
func (r *ModuleRegistry) Dynamics() []*moduleUnit { return r.dynamics }

// InitFunc returns the module's top-level init Function (every var/const
// initializer and bare statement, compiled by compileModuleInit), or nil
// for a builtin module that has none. Exported so the CLI driver (§6) can
// run a compiled module without reaching into moduleUnit's other,
// compiler-internal fields.
func (m *moduleUnit) InitFunc(c *Compiler) *Function {
	if m.initGlobal == 0 {
		return nil
	}
	fn, _ := c.Globals.Get(m.initGlobal).ptr.(*Function)
	return fn
}

// Unlink removes a module from the registry; called only by the GC's
// full-collection sweep once no global in its bucket is marked (§4.7).
func (r *ModuleRegistry) Unlink(m *moduleUnit) {
	// m.fileName may have been replaced by the source path after
	// registration, so find the registry key by identity.
	for name, u := range r.byName {
		if u == m {
			delete(r.byName, name)
		}
	}
	for i, d := range r.dynamics {
		if d == m {
			r.dynamics = append(r.dynamics[:i], r.dynamics[i+1:]...)
			break
		}
	}
}
