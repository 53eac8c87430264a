package core

import "github.com/alorelang/alore/internal/errs"

// funcBuilder tracks an in-progress function/class-member declaration
// across both the scanner (arity) and the emitter (body); shared so pass
// 2 never re-derives what pass 1 already established (§4.3, §4.4).
type funcBuilder struct {
	name       string
	sym        *Symbol
	globalIdx  int
	minArgs    int
	maxArgs    int
	varargs    bool
	blockDepth int
	exposed    map[*Symbol]bool // locals referenced from a nested anonymous fn

	// paramListStart/bodyEnd locate this function's body within the
	// module's token stream for pass 2 (§4.4), recorded once at scan time
	// so the emitter never has to re-derive them.
	paramListStart int
	bodyEnd        int
}

// Scanner performs compiler pass 1 (§4.3): discovering every global name,
// class, interface, member, and supertype reference so forward references
// resolve in pass 2.
type Scanner struct {
	c *Compiler
}

func NewScanner(c *Compiler) *Scanner { return &Scanner{c: c} }

// ScanModule elides annotations in toks, then walks them at top level,
// registering globals, classes/interfaces and their members, and
// deferring supertype resolution (§4.3).
func (s *Scanner) ScanModule(toks []token, m *moduleUnit) {
	elideAnnotations(toks)
	i := 0
	for i < len(toks) {
		t := toks[i]
		switch {
		case t.kind == tokNewline:
			i++
		case t.kind == tokReserved && (t.text == "var" || t.text == "const"):
			i = s.scanVarDecl(toks, i, m)
		case t.kind == tokReserved && t.text == "private":
			// "private var"/"private const"/"private def" — scanned the
			// same way with the private bit recorded.
			i = s.scanTopLevel(toks, i, m, true)
		case t.kind == tokReserved && t.text == "def":
			i = s.scanDef(toks, i, m, false)
		case t.kind == tokReserved && (t.text == "class" || t.text == "interface"):
			i = s.scanClass(toks, i, m, t.text == "interface")
		default:
			i = skipToNewline(toks, i)
		}
	}
}

func (s *Scanner) scanTopLevel(toks []token, i int, m *moduleUnit, private bool) int {
	i++ // consume "private"
	if i < len(toks) && toks[i].kind == tokReserved {
		switch toks[i].text {
		case "var", "const":
			return s.scanVarDeclPriv(toks, i, m, private)
		case "def":
			return s.scanDef(toks, i, m, private)
		}
	}
	return skipToNewline(toks, i)
}

func (s *Scanner) scanVarDecl(toks []token, i int, m *moduleUnit) int {
	return s.scanVarDeclPriv(toks, i, m, false)
}

// scanVarDeclPriv registers one or more comma-separated global names
// following `var`/`const` (§4.3).
func (s *Scanner) scanVarDeclPriv(toks []token, i int, m *moduleUnit, private bool) int {
	isConst := toks[i].text == "const"
	i++
	for i < len(toks) && toks[i].kind != tokNewline {
		if toks[i].kind == tokIdent {
			sym := toks[i].sym
			idx := s.c.Globals.Alloc()
			kind := kindGlobal
			if isConst {
				kind = kindGlobalConst
			}
			si := sym.pushLocal(kind, idx, 0)
			si.global = &globalPayload{isPrivate: private}
			si.enclosingModule = m.symbol
		}
		i++
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
			i++
			continue
		}
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "=" {
			i = skipToNewline(toks, i)
			break
		}
	}
	return skipNewline(toks, i)
}

// scanDef registers a global def with its tentative arity: "the first
// overload wins; later overloads are used only for human-readable arity
// in errors" (§4.3).
func (s *Scanner) scanDef(toks []token, i int, m *moduleUnit, private bool) int {
	i++ // consume "def"
	if i >= len(toks) || toks[i].kind != tokIdent {
		return skipToNewline(toks, i)
	}
	sym := toks[i].sym
	name := toks[i].text
	i++
	paramListStart := i
	minArgs, maxArgs, varargs, after := scanParamArity(toks, i)
	i = after

	if existing := findGlobalMeaning(sym); existing != nil {
		// later overload: arity is informational only, first wins.
		i = skipBlock(toks, i, "def", "end")
		return skipNewline(toks, i)
	}

	idx := s.c.Globals.Alloc()
	si := sym.pushLocal(kindGlobalDef, idx, 0)
	si.global = &globalPayload{isPrivate: private, minArgs: minArgs, maxArgs: maxArgs}
	si.enclosingModule = m.symbol

	fb := &funcBuilder{name: name, sym: sym, globalIdx: idx, minArgs: minArgs, maxArgs: maxArgs, varargs: varargs, paramListStart: paramListStart}
	bodyStart := i
	bodyEnd := skipBlock(toks, i, "def", "end")
	fb.bodyEnd = bodyEnd
	s.scanExposedLocals(toks[bodyStart:bodyEnd], fb)
	s.c.topLevelFuncs = append(s.c.topLevelFuncs, fb)
	return skipNewline(toks, bodyEnd)
}

func findGlobalMeaning(sym *Symbol) *SymbolInfo {
	for si := sym.meanings; si != nil; si = si.next {
		if si.kind == kindGlobalDef {
			return si
		}
	}
	return nil
}

// scanParamArity scans a parenthesized parameter list starting at toks[i]
// (the token just after the def name) and returns (minArgs, maxArgs,
// varargs, indexPastList). Default-valued parameters widen the [min,max]
// arity range (§3 Function, §4.3). No vararg parameter syntax is
// recognized, so varargs is always false.
func scanParamArity(toks []token, i int) (minArgs, maxArgs int, varargs bool, after int) {
	if i >= len(toks) || toks[i].kind != tokPunct || toks[i].text != "(" {
		return 0, 0, false, i
	}
	i++
	hasDefault := false
	for i < len(toks) && !(toks[i].kind == tokPunct && toks[i].text == ")") {
		if toks[i].kind == tokIdent {
			maxArgs++
			if !hasDefault {
				minArgs++
			}
		}
		if toks[i].kind == tokPunct && toks[i].text == "=" {
			hasDefault = true
			i = skipUntilCommaOrParen(toks, i)
			continue
		}
		if toks[i].kind == tokPunct && toks[i].text == "," {
			i++
			continue
		}
		i++
	}
	if i < len(toks) {
		i++ // consume ")"
	}
	return minArgs, maxArgs, varargs, i
}

func skipUntilCommaOrParen(toks []token, i int) int {
	depth := 0
	for i < len(toks) {
		if toks[i].kind == tokPunct {
			switch toks[i].text {
			case "(", "[":
				depth++
			case ")", "]":
				if depth == 0 {
					return i
				}
				depth--
			case ",":
				if depth == 0 {
					return i
				}
			}
		}
		i++
	}
	return i
}

// scanClass creates an empty Type and records its raw superclass/
// interface token ranges for deferred resolution (§4.3).
func (s *Scanner) scanClass(toks []token, i int, m *moduleUnit, isInterface bool) int {
	i++ // consume class/interface
	if i >= len(toks) || toks[i].kind != tokIdent {
		return skipToNewline(toks, i)
	}
	sym := toks[i].sym
	name := toks[i].text
	i++

	typeIdx, typ := s.c.Types.New(name, isInterface)
	idx := s.c.Globals.Alloc()
	si := sym.pushLocal(kindGlobalClass, idx, 0)
	if isInterface {
		si.kind = kindGlobalInterface
	}
	si.enclosingModule = m.symbol
	s.c.typeByGlobal[idx] = typeIdx

	var superName string
	var interfaceNames []string
	if i < len(toks) && toks[i].kind == tokReserved && toks[i].text == "is" {
		i++
		superName, i = scanDottedName(toks, i)
	}
	if i < len(toks) && toks[i].kind == tokIdent && toks[i].text == "implements" {
		i++
		for {
			var n string
			n, i = scanDottedName(toks, i)
			if n != "" {
				interfaceNames = append(interfaceNames, n)
			}
			if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
				i++
				continue
			}
			break
		}
	}
	if superName != "" || len(interfaceNames) > 0 {
		s.c.unresolvedSupers = append(s.c.unresolvedSupers, UnresolvedSupertype{
			Type: typeIdx, SuperName: superName, InterfaceNames: interfaceNames,
		})
		typ.hasSuper = superName != ""
	}

	bodyStart := skipNewline(toks, i)
	bodyEnd := skipBlock(toks, bodyStart, bothKeywordsOf(isInterface), "end")
	s.scanClassBody(toks[bodyStart:bodyEnd], typeIdx, m)
	s.c.Types.UpdateTotalNumVars(typeIdx)
	return skipNewline(toks, bodyEnd)
}

func bothKeywordsOf(isInterface bool) string {
	if isInterface {
		return "interface"
	}
	return "class"
}

func scanDottedName(toks []token, i int) (string, int) {
	if i >= len(toks) || toks[i].kind != tokIdent {
		return "", i
	}
	name := toks[i].text
	i++
	for i+1 < len(toks) && toks[i].kind == tokPunct && toks[i].text == "." && toks[i+1].kind == tokIdent {
		name += "." + toks[i+1].text
		i += 2
	}
	return name, i
}

// scanClassBody scans method/getter/setter/var declarations inside a
// class (§4.3 "Scan each class body"). hasCreate tracks whether a `create`
// method is declared, to decide whether a synthetic constructor is needed.
func (s *Scanner) scanClassBody(toks []token, typeIdx TypeIndex, m *moduleUnit) {
	typ := s.c.Types.At(typeIdx)
	hasCreate := false
	i := 0
	for i < len(toks) {
		t := toks[i]
		private := false
		if t.kind == tokReserved && t.text == "private" {
			private = true
			i++
			if i >= len(toks) {
				break
			}
			t = toks[i]
		}
		switch {
		case t.kind == tokNewline:
			i++
		case t.kind == tokReserved && t.text == "def":
			i++
			methodName := ""
			// "create" lexes as a reserved word, so accept it here too.
			if i < len(toks) && (toks[i].kind == tokIdent || (toks[i].kind == tokReserved && toks[i].text == "create")) {
				methodName = toks[i].text
				i++
			}
			if methodName == "create" {
				hasCreate = true
			}
			paramListStart := i
			minArgs, maxArgs, varargs, after := scanParamArity(toks, i)
			globalIdx := s.c.Globals.Alloc()
			memberID := s.c.Members.IDFor(methodName)
			part := partMethodPublic
			if private {
				part = partMethodPrivate
			}
			if _, exists := typ.parts[part].lookup(memberID); exists {
				s.c.errorf(errs.KindRedefined, "member %q redefined", methodName)
			} else {
				typ.AddMember(part, memberID, uint32(globalIdx), false)
			}
			bodyEnd := skipBlock(toks, after, "def", "end")
			mfb := &funcBuilder{
				name: typ.name + "." + methodName, globalIdx: globalIdx,
				minArgs: minArgs, maxArgs: maxArgs, varargs: varargs,
				paramListStart: paramListStart, bodyEnd: bodyEnd,
			}
			s.scanExposedLocals(toks[after:bodyEnd], mfb)
			s.c.topLevelFuncs = append(s.c.topLevelFuncs, mfb)
			i = skipNewline(toks, bodyEnd)
		case t.kind == tokIdent && (t.text == "get" || t.text == "set") && i+1 < len(toks) && toks[i+1].kind == tokIdent:
			isGet := t.text == "get"
			i++
			name := toks[i].text
			i++
			_, _, _, after := scanParamArity(toks, i)
			globalIdx := s.c.Globals.Alloc()
			memberID := s.c.Members.IDFor(name)
			var part partitionKind
			switch {
			case isGet && private:
				part = partVarGetPrivate
			case isGet:
				part = partVarGetPublic
			case private:
				part = partVarSetPrivate
			default:
				part = partVarSetPublic
			}
			typ.AddMember(part, memberID, uint32(globalIdx), true)
			bodyEnd := skipBlock(toks, after, "def", "end")
			i = skipNewline(toks, bodyEnd)
		case t.kind == tokReserved && (t.text == "var" || t.text == "const"):
			i++
			for i < len(toks) && toks[i].kind != tokNewline {
				if toks[i].kind == tokIdent {
					name := toks[i].text
					memberID := s.c.Members.IDFor(name)
					slot := uint32(typ.numVars)
					getPart, setPart := partVarGetPublic, partVarSetPublic
					if private {
						getPart, setPart = partVarGetPrivate, partVarSetPrivate
					}
					typ.AddMember(getPart, memberID, slot, false)
					typ.AddMember(setPart, memberID, slot, false)
				}
				i++
				if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
					i++
					continue
				}
				if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "=" {
					i = skipToNewline(toks, i)
				}
			}
			i = skipNewline(toks, i)
		default:
			i = skipToNewline(toks, i)
		}
	}
	if !hasCreate && !typ.isInterface {
		// mark the class as needing a synthetic constructor (§4.3, §4.5).
		// Nothing in pass 2 builds one: OpCreateInstance calls a
		// constructor only when ctorGlobal >= 0, so declared initializers
		// are not run for such a class.
		typ.ctorGlobal = -2 // sentinel: "needs synthetic constructor"
	}
}

// scanExposedLocals implements §4.3's exposed-variable pass: locals
// defined in fb's range and referenced from inside a nested anonymous
// function body (without a preceding "::"/"." or following "::") are
// marked exposed so the parser allocates a cell for them instead of a
// flat slot (§4.4, §8 case 5). This is a token-range scan, not a full
// parse, by design (§9 Open Questions: replicate exactly, do not "fix"
// annotation-token false negatives — annotation tokens were already
// re-kinded by elideAnnotations and so never trigger the marker).
func (s *Scanner) scanExposedLocals(toks []token, fb *funcBuilder) {
	fb.exposed = map[*Symbol]bool{}
	depth := 0
	type localDecl struct {
		sym   *Symbol
		depth int
	}
	var locals []localDecl
	inNestedFn := 0

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokReserved && t.text == "def":
			inNestedFn++
		case t.kind == tokReserved && t.text == "end" && inNestedFn > 0:
			inNestedFn--
		case t.kind == tokReserved && (t.text == "if" || t.text == "while" || t.text == "for" || t.text == "try" || t.text == "switch"):
			depth++
		case t.kind == tokReserved && t.text == "end":
			if depth > 0 {
				depth--
			}
		case t.kind == tokReserved && t.text == "var":
			i++
			for i < len(toks) && toks[i].kind != tokNewline {
				if toks[i].kind == tokPunct && toks[i].text == "=" {
					break // the initializer is scanned as ordinary tokens
				}
				if toks[i].kind == tokIdent {
					locals = append(locals, localDecl{sym: toks[i].sym, depth: depth})
				}
				i++
			}
		case t.kind == tokIdent && inNestedFn > 0:
			precededByAccess := i > 0 && toks[i-1].kind == tokPunct && (toks[i-1].text == "." || toks[i-1].text == "::")
			followedByScope := i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "::"
			if precededByAccess || followedByScope {
				continue
			}
			for _, l := range locals {
				if l.sym == t.sym {
					fb.exposed[t.sym] = true
					break
				}
			}
		}
	}
}

func skipToNewline(toks []token, i int) int {
	for i < len(toks) && toks[i].kind != tokNewline {
		i++
	}
	return i
}

func skipNewline(toks []token, i int) int {
	if i < len(toks) && toks[i].kind == tokNewline {
		i++
	}
	return i
}

// skipBlock returns the index of the matching top-level "end" for a block
// opened by openKeyword at toks[i-ish]; it tracks nesting of any
// block-opening reserved word so "end" inside a nested if/while/def is
// not mistaken for the enclosing block's terminator.
func skipBlock(toks []token, i int, openKeyword, closeKeyword string) int {
	depth := 1
	for i < len(toks) {
		t := toks[i]
		if t.kind == tokReserved {
			switch t.text {
			case "def", "class", "interface", "if", "while", "for", "try", "switch":
				depth++
			case "end":
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
		i++
	}
	return i
}
