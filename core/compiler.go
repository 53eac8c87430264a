package core

import "github.com/alorelang/alore/internal/errs"

// Compiler is the explicit, non-re-entrant compilation context described
// in §9 "Global mutable state": rather than thread-local globals (as the
// C original uses), every parsing/scanning function threads a
// `*Compiler` so the current module/class/function/member and the error
// accumulator are always passed, never ambient. One Compiler serves
// exactly one compilation run (§9: "There is no re-entrant compilation on
// a single context").
type Compiler struct {
	Syms      *SymbolTable
	Members   *MemberIDTable
	Types     *TypeArena
	Globals   *GlobalTable
	Errors    *errs.List
	Modules   *ModuleRegistry

	curModule *moduleUnit
	curClass  TypeIndex
	inClass   bool
	curFunc   *funcBuilder
	lineStack []int

	unresolvedSupers []UnresolvedSupertype
	outOfMemory      bool

	// anonFuncs/anonFuncGlobals record every anonymous function compiled
	// during this run, in the order emitted, alongside the global slot
	// OpCreateAnonymous reads its template from at runtime (§4.4).
	anonFuncs       []*Function
	anonFuncGlobals []int

	// topLevelFuncs collects every module-level `def` builder in source
	// order, consumed by pass 2's driver (core/compile.go) to locate and
	// compile each body without re-scanning the token stream.
	topLevelFuncs []*funcBuilder

	// typeByGlobal maps a class/interface's global slot (the slot its
	// kindGlobalClass/kindGlobalInterface SymbolInfo carries) back to the
	// TypeIndex the scanner allocated for it, so the deferred supertype
	// resolution pass can go from a name lookup straight to an arena index.
	typeByGlobal map[int]TypeIndex
}

// NewCompiler creates a fresh, single-use compilation context.
func NewCompiler() *Compiler {
	syms := NewSymbolTable()
	c := &Compiler{
		Syms:    syms,
		Members: NewMemberIDTable(syms),
		Types:   NewTypeArena(),
		Globals: NewGlobalTable(),
		Errors:  &errs.List{},
	}
	c.typeByGlobal = map[int]TypeIndex{}
	c.Modules = NewModuleRegistry(c)
	return c
}

// UnresolvedSupertype records a class header whose superclass or
// implemented interfaces could not be resolved during pass 1 because
// their defining module had not yet finished compiling (§4.4).
type UnresolvedSupertype struct {
	Type            TypeIndex
	ImportsAtThatPoint []string
	SuperName       string
	InterfaceNames  []string
}

// LookupGlobal resolves an already-compiled top-level name (a def, class,
// or var) to its current global value, for the CLI driver to locate the
// program's entry point (§6) without reaching into the symbol table's
// internals.
func (c *Compiler) LookupGlobal(name string) (Value, bool) {
	sym, ok := c.Syms.Lookup(name)
	if !ok {
		return NilValue, false
	}
	si := sym.current()
	if si == nil {
		return NilValue, false
	}
	return c.Globals.Get(si.slot), true
}

func (c *Compiler) pushLine(line int) { c.lineStack = append(c.lineStack, line) }
func (c *Compiler) popLine() {
	if len(c.lineStack) > 0 {
		c.lineStack = c.lineStack[:len(c.lineStack)-1]
	}
}
func (c *Compiler) currentLine() int {
	if len(c.lineStack) == 0 {
		return 0
	}
	return c.lineStack[len(c.lineStack)-1]
}

func (c *Compiler) errContext() errs.Context {
	ctx := errs.Context{}
	if c.curModule != nil {
		ctx.File = c.curModule.fileName
	}
	if c.curFunc != nil {
		ctx.Func = c.curFunc.name
	}
	if c.inClass {
		ctx.Member = c.Types.At(c.curClass).name
	}
	return ctx
}

// errorf accumulates a compile error at the current line/context without
// aborting compilation, per §7's recovery policy.
func (c *Compiler) errorf(kind errs.Kind, format string, args ...interface{}) {
	c.Errors.Add(kind, c.errContext(), c.currentLine(), format, args...)
}
