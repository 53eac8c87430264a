package core

import "github.com/alorelang/alore/internal/errs"

// This file implements §2's top-level control flow for a single
// compilation unit: tokenize, run pass 1 (Scanner), resolve the
// superclass/interface references pass 1 deferred, run pass 2 (Emitter)
// over every def/class-method body plus the module's own top-level
// statements, and install the results in the global table so the
// runtime can call straight into them by global index.

// CompileSource compiles one module's source text under dottedName and
// registers it with c.Modules, mirroring the teacher's own incremental
// compile-then-run loop (interp.go's REPL) generalized to a whole file
// instead of one line at a time.
func CompileSource(c *Compiler, dottedName, fileName string, src []byte) (*moduleUnit, error) {
	return c.Modules.Import(dottedName, func(m *moduleUnit) error {
		m.fileName = fileName

		lx := NewLexer(c.Syms)
		if len(src) == 0 || src[len(src)-1] != '\n' {
			src = append(append([]byte{}, src...), '\n')
		}
		lx.Feed(src)
		toks := lx.Tokens()
		for _, le := range lx.Errors() {
			c.errorf(errs.KindParse, "%s", le.Msg)
		}

		scanner := NewScanner(c)
		scanner.ScanModule(toks, m)

		resolveSupertypes(c)

		funcs := c.topLevelFuncs
		c.topLevelFuncs = nil
		for _, fb := range funcs {
			e := &Emitter{c: c, toks: toks}
			fn := e.CompileFunction(fb, fb.paramListStart, fb.bodyEnd)
			c.Globals.Set(fb.globalIdx, FromPointer(tagFunction, fn))
		}

		anonFns, anonGlobals := c.anonFuncs, c.anonFuncGlobals
		c.anonFuncs, c.anonFuncGlobals = nil, nil
		for i, g := range anonGlobals {
			c.Globals.Set(g, FromPointer(tagFunction, anonFns[i]))
		}

		m.initGlobal = c.Globals.Alloc()
		init := compileModuleInit(c, toks)
		c.Globals.Set(m.initGlobal, FromPointer(tagFunction, init))

		m.pass1Done, m.pass2Done = true, true
		return nil
	})
}

// compileModuleInit compiles every top-level var/const initializer and
// bare statement into one synthetic function, skipping over def/class/
// interface bodies (already compiled separately into their own global
// slots by CompileSource) — the module-level analogue of §4.4's per-def
// body compilation.
func compileModuleInit(c *Compiler, toks []token) *Function {
	fb := &funcBuilder{name: "$init", exposed: map[*Symbol]bool{}}
	e := &Emitter{c: c, toks: toks, topLevel: true}
	e.fn = &Function{Name: "$init"}
	e.sc = newFunctionScope(fb)

	for e.pos < len(toks) {
		e.skipNewlines()
		if e.pos >= len(toks) {
			break
		}
		t := e.cur()
		if t.kind == tokReserved && t.text == "private" {
			if e.pos+1 < len(toks) {
				nt := toks[e.pos+1]
				if nt.kind == tokReserved && (nt.text == "def" || nt.text == "class" || nt.text == "interface") {
					e.pos = skipBlock(toks, e.pos+2, nt.text, "end")
					e.pos = skipNewline(toks, e.pos)
					continue
				}
			}
			e.advance()
			t = e.cur()
		}
		switch {
		case t.kind == tokReserved && (t.text == "def" || t.text == "class" || t.text == "interface"):
			e.pos = skipBlock(toks, e.pos+1, t.text, "end")
			e.pos = skipNewline(toks, e.pos)
		case t.kind == tokReserved && (t.text == "var" || t.text == "const"):
			e.compileVarDecl()
			e.skipNewlines()
		case t.kind == tokReserved && t.text == "import":
			e.pos = skipToNewline(toks, e.pos)
			e.skipNewlines()
		default:
			e.compileStatement(len(toks))
		}
	}
	e.fn.FrameSize = e.sc.nextSlot
	return e.fn
}

// resolveSupertypes implements §4.4's deferred superclass/interface
// resolution pass, consuming every UnresolvedSupertype the scanner
// recorded and running interface verification once a class's full
// member set is known.
func resolveSupertypes(c *Compiler) {
	pending := c.unresolvedSupers
	c.unresolvedSupers = nil
	for _, u := range pending {
		if u.SuperName != "" {
			if superIdx, ok := lookupTypeByName(c, u.SuperName); ok {
				if err := c.Types.ResolveSuper(u.Type, superIdx); err != nil {
					c.errorf(errs.KindCycle, "%v", err)
				}
			} else {
				c.errorf(errs.KindUndefined, "undefined superclass %q", u.SuperName)
			}
			c.Types.UpdateTotalNumVars(u.Type)
		}
		for _, ifaceName := range u.InterfaceNames {
			ifaceIdx, ok := lookupTypeByName(c, ifaceName)
			if !ok {
				c.errorf(errs.KindUndefined, "undefined interface %q", ifaceName)
				continue
			}
			typ := c.Types.At(u.Type)
			typ.interfaces = append(typ.interfaces, ifaceIdx)
			for _, verr := range c.Types.VerifyInterface(u.Type, ifaceIdx, true) {
				c.errorf(errs.KindInterfaceNotImplemented, "%v", verr)
			}
		}
	}
}

// lookupTypeByName resolves a (possibly dotted) class/interface name to
// its TypeIndex via the symbol table's kindGlobalClass/kindGlobalInterface
// meaning and the global-slot-to-TypeIndex map the scanner maintains.
func lookupTypeByName(c *Compiler, name string) (TypeIndex, bool) {
	// only the final component is looked up: cross-module dotted
	// superclass names resolve through the imported module's exported
	// symbol the same way a plain reference would (§4.2 "Module meanings").
	simple := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			simple = name[i+1:]
			break
		}
	}
	sym, ok := c.Syms.Lookup(simple)
	if !ok {
		return 0, false
	}
	for si := sym.meanings; si != nil; si = si.next {
		if si.kind == kindGlobalClass || si.kind == kindGlobalInterface {
			if idx, ok := c.typeByGlobal[si.slot]; ok {
				return idx, true
			}
		}
	}
	return 0, false
}
