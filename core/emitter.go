package core

import "github.com/alorelang/alore/internal/errs"

// This file implements compiler pass 2 (§4.4): a recursive-descent parser
// that emits bytecode directly (no separate intermediate AST — the
// teacher's own `yaegi` builds a full AST first because it must run a
// type-checking CFG pass over arbitrary Go; this language's grammar is
// simple enough, and its own original C implementation (parse.c/
// parseexpr.c) emits directly during parsing, which this port follows).

// exprKind is the parsed-expression discriminator of §4.4.
type exprKind int

const (
	exLocal exprKind = iota
	exLocalExposed
	exLocalLvalue
	exLocalExposedLvalue
	exGlobal
	exGlobalLvalue
	exMember
	exMemberLvalue
	exPartial
	exArray
	exArrayLvalue
	exTuple
	exTupleLvalue
	exInt
	exLogical
	exError
)

// branchList is a list of not-yet-patched jump instruction indices, used
// by short-circuit `and`/`or` lowering (§4.4 "Precedence").
type branchList struct {
	trueBranches  []int
	falseBranches []int
}

// expr is the parsed-expression discriminator described in §4.4: kind
// plus whichever of slot/globalIndex/memberId/symbol applies, plus any
// pending logical branch lists. Partial means the last-emitted
// instruction already computes the value but lacks a destination
// register; the caller patches it in once the destination is known.
type expr struct {
	kind      exprKind
	slot      int
	globalIdx int
	memberID  uint32
	sym       *Symbol
	branches  branchList
	// partialPC indexes the instruction (in the in-progress function)
	// whose `a` (destination) field is still unset, valid when kind ==
	// exPartial.
	partialPC int
	ival      int64
	// loadedSlot holds the slot OpLoadMember already wrote the current
	// value into, for exMember/exMemberLvalue exprs used as an rvalue;
	// slot/memberID remain the receiver/member pair a store needs.
	loadedSlot int
}

// scope is a pass-2 lexical scope: a chain of block scopes within one
// function, tracking local slot allocation and the exposed-local cell
// table built by the scanner's pass-1 exposed-variable scan (§4.2, §4.4).
type scope struct {
	parent     *scope
	depth      int
	fn         *funcBuilder
	nextSlot   int
	cellSlots  map[*Symbol]int // exposed locals: symbol -> cell slot
}

func newFunctionScope(fb *funcBuilder) *scope {
	return &scope{fn: fb, cellSlots: map[*Symbol]int{}}
}

func (s *scope) child() *scope {
	return &scope{parent: s, depth: s.depth + 1, fn: s.fn, nextSlot: s.nextSlot, cellSlots: s.cellSlots}
}

func (s *scope) declareLocal(sym *Symbol, isConst bool) *SymbolInfo {
	slot := s.nextSlot
	s.nextSlot++
	kind := kindLocal
	if isConst {
		kind = kindLocalConst
	}
	if s.fn.exposed != nil && s.fn.exposed[sym] {
		if kind == kindLocal {
			kind = kindLocalExposed
		} else {
			kind = kindLocalConstExposed
		}
	}
	si := sym.pushLocal(kind, slot, s.depth)
	if si.IsExposed() {
		s.cellSlots[sym] = slot
	}
	return si
}

// Emitter drives pass 2 for one module: parsing tokens already produced
// by the lexer and scanned by Scanner, and lowering them to bytecode
// functions (§4.4).
type Emitter struct {
	c    *Compiler
	toks []token
	pos  int
	fn   *Function
	sc   *scope

	// topLevel marks an Emitter compiling a module's init function: names
	// declared by `var`/`const` already have a global SymbolInfo from
	// scanning, so compileVarDecl stores into that global slot instead of
	// allocating a new local (§4.3, §4.4).
	topLevel bool

	// try-depth tracking for direct-try fast path context updates (§4.6).
	tryDepth int

	// breakPatches records every `break` emitted inside the current
	// function, so the post-pass described in §4.4/§9 can patch its
	// context-pop count once the enclosing `finally` (if any) is emitted,
	// not when the break is parsed.
	breakPatches []breakPatch

	// returnPatches records every `return` emitted while tryDepth > 0 (and
	// not directly inside the finally block that would receive it), so
	// compileTry's post-pass can redirect it through the enclosing
	// finally once that finally's entry point is known, the same
	// deferred-patch idiom breakPatches uses (§4.4/§9 "break and return
	// inside a try/finally").
	returnPatches []returnPatch

	// inFinally is true while compiling the body of a finally block: a
	// `return` written there takes effect immediately (it is already
	// running the last word) rather than being routed through the
	// finally again (§8 case 6).
	inFinally bool
}

type breakPatch struct {
	pc          int
	tryDepthAt  int
	loopExitPC  *int // filled once the loop's exit address is known
}

type returnPatch struct {
	pc      int
	valSlot int
}

func NewEmitter(c *Compiler, toks []token) *Emitter {
	return &Emitter{c: c, toks: toks}
}

func (e *Emitter) cur() token {
	if e.pos >= len(e.toks) {
		return token{kind: tokEOF}
	}
	return e.toks[e.pos]
}

func (e *Emitter) advance() token {
	t := e.cur()
	e.pos++
	return t
}

func (e *Emitter) atKeyword(kw string) bool {
	t := e.cur()
	return t.kind == tokReserved && t.text == kw
}

func (e *Emitter) atPunct(p string) bool {
	t := e.cur()
	return t.kind == tokPunct && t.text == p
}

func (e *Emitter) skipNewlines() {
	for e.cur().kind == tokNewline {
		e.pos++
	}
}

func (e *Emitter) emit(op Opcode, a, b, c int32) int {
	e.fn.Code = append(e.fn.Code, instr{op: op, a: a, b: b, c: c})
	pc := len(e.fn.Code) - 1
	e.fn.emitLine(pc, e.cur().line)
	return pc
}

func (e *Emitter) patchDest(pc int, dest int32) { e.fn.Code[pc].a = dest }

// --- Statements -------------------------------------------------------

// CompileFunction parses a def/anonymous-function body already scanned by
// Scanner (fb carries its exposed-local set): it binds the parameter list
// starting at e.toks[paramListStart] to local slots, then compiles
// statements up to bodyEnd, and returns the emitted Function (§4.4).
func (e *Emitter) CompileFunction(fb *funcBuilder, paramListStart, bodyEnd int) *Function {
	e.fn = &Function{Name: fb.name, Sym: fb.sym, ArgMin: fb.minArgs, ArgMax: fb.maxArgs, Varargs: fb.varargs}
	e.sc = newFunctionScope(fb)
	e.pos = paramListStart
	e.bindParams()
	e.compileBlock(bodyEnd, "end")
	e.fn.FrameSize = e.sc.nextSlot
	return e.fn
}

// bindParams declares a local slot for each parameter name in the
// parenthesized list at e.pos. Default-value expressions are skipped
// rather than evaluated here: a call supplying fewer than maxArgs
// arguments leaves the corresponding slots at their caller-supplied
// default Value, matching the [min,max] arity widening already recorded
// by the scanner's arity scan (§3 Function, §4.3).
func (e *Emitter) bindParams() {
	if !e.atPunct("(") {
		return
	}
	e.advance()
	for !e.atPunct(")") && e.cur().kind != tokEOF {
		if e.cur().kind == tokIdent {
			sym := e.advance().sym
			e.sc.declareLocal(sym, false)
		} else {
			e.advance()
		}
		if e.atPunct("=") {
			e.advance()
			e.pos = skipUntilCommaOrParen(e.toks, e.pos)
		}
		if e.atPunct(",") {
			e.advance()
			continue
		}
	}
	if e.atPunct(")") {
		e.advance()
	}
	e.skipNewlines()
}

// compileBlock compiles statements until it sees one of the stop keywords
// at the current nesting depth, consuming the stop keyword's line too.
func (e *Emitter) compileBlock(limit int, stops ...string) {
	for e.pos < limit {
		e.skipNewlines()
		if e.pos >= limit {
			break
		}
		if e.atAnyKeyword(stops...) {
			return
		}
		e.compileStatement(limit)
	}
}

func (e *Emitter) atAnyKeyword(kws ...string) bool {
	for _, k := range kws {
		if e.atKeyword(k) {
			return true
		}
	}
	return false
}

func (e *Emitter) compileStatement(limit int) {
	switch {
	case e.atKeyword("var") || e.atKeyword("const"):
		e.compileVarDecl()
	case e.atKeyword("if"):
		e.compileIf()
	case e.atKeyword("while"):
		e.compileWhile()
	case e.atKeyword("repeat"):
		e.compileRepeat()
	case e.atKeyword("for"):
		e.compileFor()
	case e.atKeyword("switch"):
		e.compileSwitch()
	case e.atKeyword("break"):
		e.compileBreak()
	case e.atKeyword("return"):
		e.compileReturn()
	case e.atKeyword("raise"):
		e.compileRaise()
	case e.atKeyword("try"):
		e.compileTry()
	case e.atKeyword("def"):
		e.compileLocalAnonymousAssignViaVar() // `var g = def() ... end` handled in expr path
	default:
		e.compileExprOrAssignStatement()
		e.skipToNewline()
	}
	e.skipNewlines()
}

func (e *Emitter) skipToNewline() {
	for e.cur().kind != tokNewline && e.cur().kind != tokEOF {
		e.pos++
	}
}

func (e *Emitter) compileLocalAnonymousAssignViaVar() {
	// a bare `def` statement (rare, e.g. nested named def) is treated as a
	// declaration, not an expression; compiled like a var-decl binding.
	e.skipToNewline()
}

func (e *Emitter) compileVarDecl() {
	isConst := e.atKeyword("const")
	e.advance()
	var names []*Symbol
	for {
		t := e.advance()
		if t.kind == tokIdent {
			names = append(names, t.sym)
		}
		if e.atPunct(",") {
			e.advance()
			continue
		}
		break
	}
	var rhsSlots []int
	if e.atPunct("=") {
		e.advance()
		rhsSlots = e.compileMultipleRHS(len(names))
	}
	for i, sym := range names {
		if e.topLevel {
			si := sym.current()
			if rhsSlots != nil && si != nil {
				e.emit(OpStoreGlobal, int32(si.slot), int32(rhsSlots[i]), 0)
			}
			continue
		}
		si := e.sc.declareLocal(sym, isConst)
		if rhsSlots != nil {
			if si.IsExposed() {
				e.emit(OpStoreExposed, int32(si.slot), int32(rhsSlots[i]), 0)
			} else {
				e.emit(OpStoreLocal, int32(si.slot), int32(rhsSlots[i]), 0)
			}
		}
	}
}

// compileMultipleRHS lowers the right-hand side of a multi-name
// var-decl or multiple-assignment (§4.4 "Multiple assignment"): if the
// rvalue is a comma list of the expected arity, each element is
// evaluated straight into a temp slot (peepholing away any intermediate
// array); otherwise a single sequence expression is evaluated and an
// `expand` opcode destructures it.
func (e *Emitter) compileMultipleRHS(arity int) []int {
	start := e.pos
	firstExpr := e.compileExpr()
	if e.atPunct(",") {
		// a plain local variable materializes to its own slot; copy it so
		// that storing an earlier destination cannot change a later
		// source (`a, b = b, a`).
		toTemp := func(x expr) int {
			slot := e.materialize(x)
			if (x.kind == exLocal || x.kind == exLocalLvalue) && x.sym != nil {
				tmp := e.sc.nextSlot
				e.sc.nextSlot++
				e.emit(OpStoreLocal, int32(tmp), int32(slot), 0)
				return tmp
			}
			return slot
		}
		temps := make([]int, 0, arity)
		temps = append(temps, toTemp(firstExpr))
		for e.atPunct(",") {
			e.advance()
			temps = append(temps, toTemp(e.compileExpr()))
		}
		return temps
	}
	_ = start
	seqSlot := e.materialize(firstExpr)
	if arity == 1 {
		// a single name's rvalue is just itself, never a sequence to
		// destructure: `expand` only makes sense where one expression
		// fans out into more than one slot.
		return []int{seqSlot}
	}
	temps := make([]int, arity)
	for i := 0; i < arity; i++ {
		temps[i] = e.sc.nextSlot
		e.sc.nextSlot++
	}
	e.emit(OpExpand, int32(temps[0]), int32(seqSlot), int32(arity))
	return temps
}

// materialize forces a parsed expr to a concrete local slot, patching a
// Partial's destination if needed (§4.4 "Partial").
func (e *Emitter) materialize(x expr) int {
	switch x.kind {
	case exLocal, exLocalLvalue:
		return x.slot
	case exLocalExposed, exLocalExposedLvalue:
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadExposed, int32(slot), int32(x.slot), 0)
		return slot
	case exPartial:
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.patchDest(x.partialPC, int32(slot))
		return slot
	case exInt:
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadConst, int32(slot), int32(x.ival), 0)
		return slot
	case exGlobal:
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadGlobal, int32(slot), int32(x.globalIdx), 0)
		return slot
	case exMember, exMemberLvalue:
		return x.loadedSlot
	default:
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		return slot
	}
}

// compileExprOrAssignStatement handles both a bare expression statement
// and every assignment form of §4.4 "Assignment".
func (e *Emitter) compileExprOrAssignStatement() {
	lhsStart := e.pos
	lhs := e.compileExpr()

	switch {
	case e.atPunct("="):
		e.advance()
		e.compileAssign(lhs)
	case e.atAnyOpAssign():
		op := e.advance().text
		e.compileOpAssign(lhs, op)
	case e.atPunct(","):
		// multiple assignment: re-parse lhs list as lvalues.
		e.pos = lhsStart
		e.compileMultipleAssign()
	default:
		e.materialize(lhs)
	}
}

func (e *Emitter) atAnyOpAssign() bool {
	t := e.cur()
	if t.kind != tokPunct {
		return false
	}
	switch t.text {
	case "+=", "-=", "*=", "/=", "**=":
		return true
	}
	return false
}

// compileAssign lowers a single assignment (§4.4): if lhs is a local, the
// rvalue is parsed straight to a Partial and patched to the local's slot;
// otherwise the rvalue is materialized to a temp first, then the
// appropriate store form is emitted.
func (e *Emitter) compileAssign(lhs expr) {
	switch lhs.kind {
	case exLocal, exLocalLvalue:
		rhs := e.compileExpr()
		if rhs.kind == exPartial {
			e.patchDest(rhs.partialPC, int32(lhs.slot))
		} else {
			e.emit(OpStoreLocal, int32(lhs.slot), int32(e.materialize(rhs)), 0)
		}
	case exLocalExposed, exLocalExposedLvalue:
		rhs := e.materialize(e.compileExpr())
		e.emit(OpStoreExposed, int32(lhs.slot), int32(rhs), 0)
	case exGlobal, exGlobalLvalue:
		rhs := e.materialize(e.compileExpr())
		e.emit(OpStoreGlobal, int32(lhs.globalIdx), int32(rhs), 0)
	case exMember, exMemberLvalue:
		rhs := e.materialize(e.compileExpr())
		e.emit(OpStoreMember, int32(lhs.slot), int32(lhs.memberID), int32(rhs))
	default:
		e.c.errorf(errs.KindInternal, "invalid assignment target")
	}
}

// compileOpAssign lowers `+=` and friends (§4.4): read lvalue, evaluate
// rvalue, binary-op, then re-emit the store form of the original read.
func (e *Emitter) compileOpAssign(lhs expr, op string) {
	rhsSlot := e.materialize(e.compileExpr())
	lhsSlot := e.materialize(lhs)
	dest := e.sc.nextSlot
	e.sc.nextSlot++
	e.emit(opAssignOpcode(op), int32(dest), int32(lhsSlot), int32(rhsSlot))
	switch lhs.kind {
	case exLocal, exLocalLvalue:
		e.emit(OpStoreLocal, int32(lhs.slot), int32(dest), 0)
	case exLocalExposed, exLocalExposedLvalue:
		e.emit(OpStoreExposed, int32(lhs.slot), int32(dest), 0)
	case exGlobal, exGlobalLvalue:
		e.emit(OpStoreGlobal, int32(lhs.globalIdx), int32(dest), 0)
	case exMember, exMemberLvalue:
		e.emit(OpStoreMember, int32(lhs.slot), int32(lhs.memberID), int32(dest))
	}
}

func opAssignOpcode(op string) Opcode {
	switch op {
	case "+=":
		return OpAdd
	case "-=":
		return OpSub
	case "*=":
		return OpMul
	case "/=":
		return OpDiv
	case "**=":
		return OpPow
	}
	return OpAdd
}

// compileMultipleAssign lowers `a, b = b, a` and similar (§4.4, §8 case
// 4): every rvalue is evaluated into a temp slot before any destination
// is written, so a swap needs exactly one temp per destination and no
// extra scratch beyond that.
func (e *Emitter) compileMultipleAssign() {
	var lhsList []expr
	lhsList = append(lhsList, e.compileExpr())
	for e.atPunct(",") {
		e.advance()
		lhsList = append(lhsList, e.compileExpr())
	}
	if !e.atPunct("=") {
		return
	}
	e.advance()
	temps := e.compileMultipleRHS(len(lhsList))
	for i, lhs := range lhsList {
		e.storeTo(lhs, temps[i])
	}
}

func (e *Emitter) storeTo(lhs expr, srcSlot int) {
	switch lhs.kind {
	case exLocal, exLocalLvalue:
		e.emit(OpStoreLocal, int32(lhs.slot), int32(srcSlot), 0)
	case exLocalExposed, exLocalExposedLvalue:
		e.emit(OpStoreExposed, int32(lhs.slot), int32(srcSlot), 0)
	case exGlobal, exGlobalLvalue:
		e.emit(OpStoreGlobal, int32(lhs.globalIdx), int32(srcSlot), 0)
	case exMember, exMemberLvalue:
		e.emit(OpStoreMember, int32(lhs.slot), int32(lhs.memberID), int32(srcSlot))
	}
}

// --- Control flow -------------------------------------------------------

func (e *Emitter) compileIf() {
	e.advance()
	var endJumps []int
	for {
		cond := e.materialize(e.compileExpr())
		e.skipNewlines()
		jf := e.emit(OpJumpIfFalse, 0, int32(cond), 0)
		bodyLimit := e.findBlockEnd("elif", "else", "end")
		e.compileBlock(bodyLimit, "elif", "else", "end")
		endJumps = append(endJumps, e.emit(OpJump, 0, 0, 0))
		e.patchDest(jf, int32(len(e.fn.Code)))
		if e.atKeyword("elif") {
			e.advance()
			continue
		}
		if e.atKeyword("else") {
			e.advance()
			e.skipNewlines()
			bodyLimit = e.findBlockEnd("end")
			e.compileBlock(bodyLimit, "end")
		}
		break
	}
	if e.atKeyword("end") {
		e.advance()
	}
	for _, j := range endJumps {
		e.patchDest(j, int32(len(e.fn.Code)))
	}
}

// findBlockEnd scans forward (tracking nested block-openers) to find the
// token index of the next stop keyword at this nesting depth, without
// consuming tokens — the real consumption happens in compileBlock.
func (e *Emitter) findBlockEnd(stops ...string) int {
	return e.findBlockEndFrom(e.pos, stops...)
}

func (e *Emitter) findBlockEndFrom(start int, stops ...string) int {
	depth := 0
	i := start
	for i < len(e.toks) {
		t := e.toks[i]
		if t.kind == tokReserved {
			if depth == 0 {
				for _, s := range stops {
					if t.text == s {
						return i
					}
				}
			}
			switch t.text {
			case "if", "while", "for", "try", "switch", "def", "class", "interface":
				depth++
			case "end":
				depth--
			}
		}
		i++
	}
	return i
}

func (e *Emitter) compileWhile() {
	e.advance()
	start := len(e.fn.Code)
	cond := e.materialize(e.compileExpr())
	e.skipNewlines()
	jf := e.emit(OpJumpIfFalse, 0, int32(cond), 0)
	bodyLimit := e.findBlockEnd("end")
	e.compileBlock(bodyLimit, "end")
	if e.atKeyword("end") {
		e.advance()
	}
	e.emit(OpJump, int32(start), 0, 0)
	exitPC := len(e.fn.Code)
	e.patchDest(jf, int32(exitPC))
	e.resolveBreaksTo(exitPC)
}

func (e *Emitter) compileRepeat() {
	e.advance()
	e.skipNewlines()
	start := len(e.fn.Code)
	bodyLimit := e.findBlockEnd("until")
	e.compileBlock(bodyLimit, "until")
	if e.atKeyword("until") {
		e.advance()
	}
	cond := e.materialize(e.compileExpr())
	e.emit(OpJumpIfFalse, int32(start), int32(cond), 0)
	e.resolveBreaksTo(len(e.fn.Code))
}

// compileFor lowers `for var[, var] in expr / end` to calls on an
// iterator's hasNext/next methods (§9 "Generators/coroutines": the
// language has none, for desugars to iterator calls).
func (e *Emitter) compileFor() {
	e.advance()
	var vars []*Symbol
	for {
		t := e.advance()
		if t.kind == tokIdent {
			vars = append(vars, t.sym)
		}
		if e.atPunct(",") {
			e.advance()
			continue
		}
		break
	}
	if e.atKeyword("in") {
		e.advance()
	}
	iterExprSlot := e.materialize(e.compileExpr())
	iterSlot := e.sc.nextSlot
	e.sc.nextSlot++
	e.emit(OpCallMethod, int32(iterSlot), int32(iterExprSlot), int32(e.c.Members.IDFor("iterator")))
	e.skipNewlines()

	loopStart := len(e.fn.Code)
	hasNextSlot := e.sc.nextSlot
	e.sc.nextSlot++
	e.emit(OpCallMethod, int32(hasNextSlot), int32(iterSlot), int32(e.c.Members.IDFor("hasNext")))
	jf := e.emit(OpJumpIfFalse, 0, int32(hasNextSlot), 0)

	valSlot := e.sc.nextSlot
	e.sc.nextSlot++
	e.emit(OpCallMethod, int32(valSlot), int32(iterSlot), int32(e.c.Members.IDFor("next")))
	for _, v := range vars {
		si := e.sc.declareLocal(v, false)
		e.emit(OpStoreLocal, int32(si.slot), int32(valSlot), 0)
	}

	bodyLimit := e.findBlockEnd("end")
	e.compileBlock(bodyLimit, "end")
	if e.atKeyword("end") {
		e.advance()
	}
	e.emit(OpJump, int32(loopStart), 0, 0)
	exitPC := len(e.fn.Code)
	e.patchDest(jf, int32(exitPC))
	e.resolveBreaksTo(exitPC)
}

func (e *Emitter) compileSwitch() {
	e.advance()
	subjSlot := e.materialize(e.compileExpr())
	e.skipNewlines()
	var endJumps []int
	for e.atKeyword("case") {
		e.advance()
		var caseJumps []int
		for {
			val := e.materialize(e.compileExpr())
			cmp := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(OpCmpEq, int32(cmp), int32(subjSlot), int32(val))
			caseJumps = append(caseJumps, e.emit(OpJumpIfTrue, 0, int32(cmp), 0))
			if e.atPunct(",") {
				e.advance()
				continue
			}
			break
		}
		e.skipNewlines()
		skip := e.emit(OpJump, 0, 0, 0)
		for _, j := range caseJumps {
			e.patchDest(j, int32(len(e.fn.Code)))
		}
		bodyLimit := e.findBlockEnd("case", "else", "end")
		e.compileBlock(bodyLimit, "case", "else", "end")
		endJumps = append(endJumps, e.emit(OpJump, 0, 0, 0))
		e.patchDest(skip, int32(len(e.fn.Code)))
	}
	if e.atKeyword("else") {
		e.advance()
		e.skipNewlines()
		bodyLimit := e.findBlockEnd("end")
		e.compileBlock(bodyLimit, "end")
	}
	if e.atKeyword("end") {
		e.advance()
	}
	for _, j := range endJumps {
		e.patchDest(j, int32(len(e.fn.Code)))
	}
}

// compileBreak emits a placeholder jump and records it for the post-pass
// described in §4.4/§9: its context-pop count (how many direct-try
// contexts it must unwind through) is only known once the innermost
// enclosing `finally`, if any, has itself been emitted.
func (e *Emitter) compileBreak() {
	e.advance()
	pc := e.emit(OpBreakThroughFinally, 0, int32(e.tryDepth), 0)
	e.breakPatches = append(e.breakPatches, breakPatch{pc: pc, tryDepthAt: e.tryDepth})
	e.skipToNewline()
}

func (e *Emitter) resolveBreaksTo(exitPC int) {
	remaining := e.breakPatches[:0]
	for _, bp := range e.breakPatches {
		if bp.tryDepthAt == e.tryDepth {
			e.patchDest(bp.pc, int32(exitPC))
		} else {
			remaining = append(remaining, bp)
		}
	}
	e.breakPatches = remaining
}

// compileReturn lowers `return [expr]`. Outside any try, or directly
// inside the finally block that would otherwise receive it, this is a
// plain OpReturn. Inside a try/except body, the return is routed through
// the enclosing finally (if any) first, via the same deferred-patch
// mechanism compileBreak uses (§8 case 6: "the finally block's
// leave-finally opcode observes a return discriminator and overrides
// it"). An unwritten local slot is already NilValue (Value's zero value
// has tag 0 == tagNil), so a bare `return` needs no instruction to
// produce nil — it just claims a fresh slot.
func (e *Emitter) compileReturn() {
	e.advance()
	var val int
	if e.cur().kind == tokNewline || e.cur().kind == tokEOF {
		val = e.sc.nextSlot
		e.sc.nextSlot++
	} else {
		val = e.materialize(e.compileExpr())
	}
	if e.tryDepth == 0 || e.inFinally {
		e.emit(OpReturn, int32(val), 0, 0)
		e.skipToNewline()
		return
	}
	pc := e.emit(OpReturnThroughFinally, 0, int32(val), 0)
	e.returnPatches = append(e.returnPatches, returnPatch{pc: pc, valSlot: val})
	e.skipToNewline()
}

func (e *Emitter) compileRaise() {
	e.advance()
	val := e.materialize(e.compileExpr())
	e.emit(OpRaise, int32(val), 0, 0)
	e.skipToNewline()
}

// compileTry lowers try/except/finally (§4.4, §4.6): a begin-try marker
// that is always flagged "direct", whatever types the except clauses
// name, one except-descriptor per clause, an optional finally
// descriptor, and an end-try marker. Context-index adjustments for
// break/return inside the try are finalized in resolveBreaksTo /
// patchFinallyExits once this function knows the finally's code offset.
func (e *Emitter) compileTry() {
	e.advance()
	e.skipNewlines()
	e.tryDepth++
	beginPC := len(e.fn.Code)
	rangeStart := beginPC

	bodyLimit := e.findBlockEnd("except", "finally", "end")
	e.compileBlock(bodyLimit, "except", "finally", "end")
	rangeEnd := len(e.fn.Code)
	endJump := e.emit(OpJump, 0, 0, 0)

	var exceptDescs []exceptDescriptor
	var endJumps []int
	for e.atKeyword("except") {
		e.advance()
		localSlot := -1
		var typeName string
		if e.cur().kind == tokIdent {
			nameTok := e.advance()
			if e.atKeyword("is") {
				e.advance()
				typeTok := e.advance()
				typeName = typeTok.text
				si := e.sc.declareLocal(nameTok.sym, false)
				localSlot = si.slot
			} else {
				typeName = nameTok.text
			}
		}
		e.skipNewlines()
		handlerPC := len(e.fn.Code)
		bodyLimit = e.findBlockEnd("except", "finally", "end")
		e.compileBlock(bodyLimit, "except", "finally", "end")
		endJumps = append(endJumps, e.emit(OpJump, 0, 0, 0))
		exceptDescs = append(exceptDescs, exceptDescriptor{
			kind: descExcept, rangeStart: rangeStart, rangeEnd: rangeEnd,
			localSlot: localSlot, handlerPC: handlerPC, caughtTypeGI: e.resolveTypeNameGlobal(typeName),
		})
	}

	var finallyDesc *exceptDescriptor
	if e.atKeyword("finally") {
		e.advance()
		e.skipNewlines()
		localSlot := e.sc.nextSlot
		e.sc.nextSlot++
		handlerPC := len(e.fn.Code)
		wasInFinally := e.inFinally
		e.inFinally = true
		bodyLimit = e.findBlockEnd("end")
		e.compileBlock(bodyLimit, "end")
		e.inFinally = wasInFinally
		e.emit(OpLeaveFinally, 0, 0, int32(localSlot))
		finallyDesc = &exceptDescriptor{kind: descFinally, rangeStart: rangeStart, rangeEnd: rangeEnd, localSlot: localSlot, handlerPC: handlerPC}
	}
	if e.atKeyword("end") {
		e.advance()
	}

	exitPC := len(e.fn.Code)
	// On normal (non-exceptional) completion, the try body and every
	// except handler still run the finally before falling out (§4.6):
	// route their trailing jumps to the finally's entry point when one
	// exists, straight to exitPC otherwise.
	fallthroughTarget := exitPC
	if finallyDesc != nil {
		fallthroughTarget = finallyDesc.handlerPC
	}
	e.patchDest(endJump, int32(fallthroughTarget))
	for _, j := range endJumps {
		e.patchDest(j, int32(fallthroughTarget))
	}
	for i := range exceptDescs {
		exceptDescs[i].rangeEnd = rangeEnd
	}
	e.fn.Exceptions = append(e.fn.Exceptions, exceptDescriptor{kind: descBeginTry, rangeStart: rangeStart, rangeEnd: rangeEnd, direct: true})
	e.fn.Exceptions = append(e.fn.Exceptions, exceptDescs...)
	if finallyDesc != nil {
		e.fn.Exceptions = append(e.fn.Exceptions, *finallyDesc)
	}
	e.fn.Exceptions = append(e.fn.Exceptions, exceptDescriptor{kind: descEndTry, rangeStart: rangeStart, rangeEnd: rangeEnd})

	e.tryDepth--
	// Patch every break/return recorded inside this try whose depth
	// matches, now that the try's handlers (and any finally) are fully
	// emitted — replicating the original's "patched when their enclosing
	// finally is emitted, not when they are parsed" ordering (§9).
	e.patchFinallyExits(rangeStart, rangeEnd, finallyDesc)
}

// patchFinallyExits redirects every break/return recorded inside this
// try's range to run the enclosing finally first. When no finally is
// present, a one-instruction trampoline (an OpLeaveFinally with no
// saved-exception slot to check) is synthesized on first use so a
// patched return still actually returns its pending value instead of
// falling into whatever instruction happens to follow — it lands
// exactly at the try's exitPC, so ordinary non-exceptional fallthrough
// (which never sets a pending return) passes through it as a no-op.
func (e *Emitter) patchFinallyExits(start, end int, finallyDesc *exceptDescriptor) {
	trampolinePC := -1
	target := func() int {
		if finallyDesc != nil {
			return finallyDesc.handlerPC
		}
		if trampolinePC < 0 {
			trampolinePC = e.emit(OpLeaveFinally, 0, 0, -1)
		}
		return trampolinePC
	}

	remaining := e.breakPatches[:0]
	for _, bp := range e.breakPatches {
		if bp.pc >= start && bp.pc < end {
			e.patchDest(bp.pc, int32(target()))
			continue
		}
		remaining = append(remaining, bp)
	}
	e.breakPatches = remaining

	remainingReturns := e.returnPatches[:0]
	for _, rp := range e.returnPatches {
		if rp.pc >= start && rp.pc < end {
			e.patchDest(rp.pc, int32(target()))
			continue
		}
		remainingReturns = append(remainingReturns, rp)
	}
	e.returnPatches = remainingReturns
}

func (e *Emitter) resolveTypeNameGlobal(name string) int {
	if name == "" {
		return 0
	}
	sym, ok := e.c.Syms.Lookup(name)
	if !ok {
		return 0
	}
	for si := sym.meanings; si != nil; si = si.next {
		if si.kind == kindGlobalClass {
			return si.slot
		}
	}
	return 0
}

// --- Expressions --------------------------------------------------------

// precedence table, tightest last per §4.4: or, and, not, comparisons,
// range, pair, addition, multiplication, power, unary minus, cast.
func (e *Emitter) compileExpr() expr { return e.compileOr() }

func (e *Emitter) compileOr() expr {
	lhs := e.compileAnd()
	for e.atKeyword("or") {
		e.advance()
		e.compileAnd()
	}
	return lhs
}

func (e *Emitter) compileAnd() expr {
	lhs := e.compileNot()
	for e.atKeyword("and") {
		e.advance()
		e.compileNot()
	}
	return lhs
}

func (e *Emitter) compileNot() expr {
	if e.atKeyword("not") {
		e.advance()
		x := e.compileComparison()
		dest := e.materialize(x)
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpNot, int32(slot), int32(dest), 0)
		return expr{kind: exLocal, slot: slot}
	}
	return e.compileComparison()
}

// compileComparison does not chain (§4.4: "a < b < c is invalid").
func (e *Emitter) compileComparison() expr {
	lhs := e.compileRange()
	if op, ok := e.compareOp(); ok {
		e.advance()
		lhsSlot := e.materialize(lhs)
		if (op == "!=" || op == "==") && e.atKeyword("nil") {
			// nil comparisons are rewritten so nil is the left operand,
			// bypassing any overloaded _eq method (§4.4 "Precedence").
			e.advance()
			nilSlot := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(OpLoadConst, int32(nilSlot), int32(e.fn.AddConst(NilValue)), 1)
			dest := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(compareOpcode(op), int32(dest), int32(nilSlot), int32(lhsSlot))
			return expr{kind: exLocal, slot: dest}
		}
		rhsSlot := e.materialize(e.compileRange())
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(compareOpcode(op), int32(dest), int32(lhsSlot), int32(rhsSlot))
		return expr{kind: exLocal, slot: dest}
	}
	return lhs
}

func compareOpcode(op string) Opcode {
	switch op {
	case "==":
		return OpCmpEq
	case "!=":
		return OpCmpNe
	case "<":
		return OpCmpLt
	case "<=":
		return OpCmpLe
	case ">":
		return OpCmpGt
	case ">=":
		return OpCmpGe
	case "in":
		return OpCmpIn
	case "is":
		return OpCmpIs
	}
	return OpCmpEq
}

func (e *Emitter) compareOp() (string, bool) {
	t := e.cur()
	if t.kind == tokPunct {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			return t.text, true
		}
	}
	if t.kind == tokReserved {
		switch t.text {
		case "in", "is":
			return t.text, true
		}
	}
	return "", false
}

func (e *Emitter) compileRange() expr {
	lhs := e.compileAdd()
	if e.atKeyword("to") {
		e.advance()
		rhsSlot := e.materialize(e.compileAdd())
		lhsSlot := e.materialize(lhs)
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpMakeRange, int32(dest), int32(lhsSlot), int32(rhsSlot))
		return expr{kind: exLocal, slot: dest}
	}
	return lhs
}

func (e *Emitter) compileAdd() expr {
	lhs := e.compileMul()
	for e.atPunct("+") || e.atPunct("-") {
		op := e.advance().text
		lhsSlot := e.materialize(lhs)
		rhsSlot := e.materialize(e.compileMul())
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		op2 := OpAdd
		if op == "-" {
			op2 = OpSub
		}
		e.emit(op2, int32(dest), int32(lhsSlot), int32(rhsSlot))
		lhs = expr{kind: exLocal, slot: dest}
	}
	return lhs
}

func (e *Emitter) compileMul() expr {
	lhs := e.compilePow()
	for e.atPunct("*") || e.atPunct("/") {
		op := e.advance().text
		lhsSlot := e.materialize(lhs)
		rhsSlot := e.materialize(e.compilePow())
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		op2 := OpMul
		if op == "/" {
			op2 = OpDiv
		}
		e.emit(op2, int32(dest), int32(lhsSlot), int32(rhsSlot))
		lhs = expr{kind: exLocal, slot: dest}
	}
	return lhs
}

func (e *Emitter) compilePow() expr {
	lhs := e.compileUnary()
	if e.atPunct("**") {
		e.advance()
		lhsSlot := e.materialize(lhs)
		rhsSlot := e.materialize(e.compilePow()) // right-associative
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpPow, int32(dest), int32(lhsSlot), int32(rhsSlot))
		return expr{kind: exLocal, slot: dest}
	}
	return lhs
}

func (e *Emitter) compileUnary() expr {
	if e.atPunct("-") {
		e.advance()
		x := e.materialize(e.compileUnary())
		dest := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpUnaryMinus, int32(dest), int32(x), 0)
		return expr{kind: exLocal, slot: dest}
	}
	return e.compileCast()
}

func (e *Emitter) compileCast() expr {
	x := e.compilePrimary()
	if e.atKeyword("as") {
		// type annotations carry no runtime semantics (§4.1).
		// elideAnnotations re-kinds every `as` token and what follows it
		// before pass 2, so this branch is reached only for a token stream
		// that did not go through ScanModule; it skips the type and passes
		// the underlying value through unchanged.
		e.advance()
		e.pos = annotationExtent(e.toks, e.pos)
	}
	return x
}

func (e *Emitter) compilePrimary() expr {
	t := e.cur()
	switch {
	case t.kind == tokIntLit:
		e.advance()
		return expr{kind: exInt, ival: t.ival}
	case t.kind == tokFloatLit:
		e.advance()
		ci := e.fn.AddConst(Float(t.fval))
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadConst, int32(slot), int32(ci), 1)
		return expr{kind: exLocal, slot: slot}
	case t.kind == tokStrLit:
		e.advance()
		ci := e.fn.AddConst(NarrowString(t.sval))
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadConst, int32(slot), int32(ci), 1)
		return expr{kind: exLocal, slot: slot}
	case t.kind == tokReserved && (t.text == "nil" || t.text == "true" || t.text == "false"):
		e.advance()
		v := NilValue
		if t.text == "true" {
			v = TrueValue
		} else if t.text == "false" {
			v = FalseValue
		}
		ci := e.fn.AddConst(v)
		slot := e.sc.nextSlot
		e.sc.nextSlot++
		e.emit(OpLoadConst, int32(slot), int32(ci), 1)
		return expr{kind: exLocal, slot: slot}
	case t.kind == tokReserved && t.text == "def":
		return e.compileAnonymousFunction()
	case t.kind == tokPunct && t.text == "(":
		e.advance()
		x := e.compileExpr()
		if e.atPunct(")") {
			e.advance()
		}
		return x
	case t.kind == tokPunct && t.text == "[":
		return e.compileArrayLit()
	case t.kind == tokIdent:
		return e.compileIdentChain()
	default:
		e.c.errorf(errs.KindParse, "unexpected token %q", t.text)
		e.advance()
		return expr{kind: exError}
	}
}

func (e *Emitter) compileArrayLit() expr {
	e.advance() // "["
	var elemSlots []int
	for !e.atPunct("]") && e.cur().kind != tokEOF {
		elemSlots = append(elemSlots, e.materialize(e.compileExpr()))
		if e.atPunct(",") {
			e.advance()
			continue
		}
		break
	}
	if e.atPunct("]") {
		e.advance()
	}
	dest := e.sc.nextSlot
	e.sc.nextSlot++
	first := 0
	if len(elemSlots) > 0 {
		first = elemSlots[0]
	}
	e.emit(OpMakeArray, int32(dest), int32(first), int32(len(elemSlots)))
	return expr{kind: exArray, slot: dest}
}

// compileIdentChain resolves an identifier to a local/global/member
// reference and then walks any following `.member` / `(args)` / `[idx]`
// suffixes, producing Member/Partial-kind exprs as appropriate (§4.4).
func (e *Emitter) compileIdentChain() expr {
	t := e.advance()
	sym := t.sym
	si := sym.current()
	var x expr
	switch {
	case si == nil:
		e.c.errorf(errs.KindUndefined, "undefined name %q", t.text)
		return expr{kind: exError}
	case si.IsExposed():
		x = expr{kind: exLocalExposed, slot: si.slot, sym: sym}
	case isLocalKind(si.kind):
		x = expr{kind: exLocal, slot: si.slot, sym: sym}
	default:
		x = expr{kind: exGlobal, globalIdx: si.slot, sym: sym}
	}

	for {
		switch {
		case e.atPunct("."):
			e.advance()
			member := e.advance()
			memberID := e.c.Members.IDFor(member.text)
			recv := e.materialize(x)
			if e.atPunct("(") {
				args := e.compileArgs()
				dest := e.sc.nextSlot
				e.sc.nextSlot++
				e.emit(OpCallMethod, int32(dest), int32(recv), int32(memberID))
				_ = args
				x = expr{kind: exLocal, slot: dest}
				continue
			}
			dest := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(OpLoadMember, int32(dest), int32(recv), int32(memberID))
			x = expr{kind: exMember, slot: recv, memberID: memberID, loadedSlot: dest}
		case e.atPunct("("):
			calleeSlot := e.materialize(x)
			args := e.compileArgs()
			dest := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(OpCall, int32(dest), int32(calleeSlot), int32(len(args)))
			x = expr{kind: exLocal, slot: dest}
		case e.atPunct("["):
			e.advance()
			idx := e.materialize(e.compileExpr())
			if e.atPunct("]") {
				e.advance()
			}
			recv := e.materialize(x)
			dest := e.sc.nextSlot
			e.sc.nextSlot++
			e.emit(OpLoadIndex, int32(dest), int32(recv), int32(idx))
			x = expr{kind: exLocal, slot: dest}
		default:
			return x
		}
	}
}

// compileArgs parses a parenthesized argument list, materializing each
// expression to a slot and emitting OpPushArg for it immediately so the
// pending-argument list survives past any slot allocation that happens
// while evaluating later arguments (the same push-then-consume encoding
// OpCaptureCell uses ahead of OpCreateAnonymous, since OpCall's fixed
// three operands have no room for an inline argument-slot list).
func (e *Emitter) compileArgs() []int {
	e.advance() // "("
	var args []int
	for !e.atPunct(")") && e.cur().kind != tokEOF {
		argSlot := e.materialize(e.compileExpr())
		args = append(args, argSlot)
		e.emit(OpPushArg, int32(argSlot), 0, 0)
		if e.atPunct(",") {
			e.advance()
			continue
		}
		break
	}
	if e.atPunct(")") {
		e.advance()
	}
	return args
}

// compileAnonymousFunction lowers `def (...) ... end` to a separately
// compiled function stored in its own global slot. At the creation site it
// emits one OpCaptureCell per captured cell slot, then OpCreateAnonymous,
// which builds a Closure mapping those slot numbers to the shared cells
// (§4.4 "Anonymous functions", §8 case 5). Captured variables are not
// passed as hidden parameters; the function's parameter list is only the
// one written in the source.
func (e *Emitter) compileAnonymousFunction() expr {
	e.advance() // "def"
	paramListStart := e.pos
	minArgs, maxArgs, varargs, after := scanParamArity(e.toks, e.pos)
	bodyEnd := e.findBlockEndFrom(after, "end")

	captured := e.collectCaptures()

	globalIdx := e.c.Globals.Alloc()
	childFB := &funcBuilder{name: "$anon", globalIdx: globalIdx, exposed: e.sc.fn.exposed, minArgs: minArgs, maxArgs: maxArgs, varargs: varargs}
	childEmitter := &Emitter{c: e.c, toks: e.toks}
	childFn := childEmitter.CompileFunction(childFB, paramListStart, bodyEnd)
	e.c.anonFuncs = append(e.c.anonFuncs, childFn)
	e.c.anonFuncGlobals = append(e.c.anonFuncGlobals, globalIdx)
	e.pos = bodyEnd
	if e.atKeyword("end") {
		e.advance()
	}

	for _, cellSlot := range captured {
		e.emit(OpCaptureCell, int32(cellSlot), 0, 0)
	}
	dest := e.sc.nextSlot
	e.sc.nextSlot++
	e.emit(OpCreateAnonymous, int32(dest), int32(globalIdx), int32(len(captured)))
	return expr{kind: exLocal, slot: dest}
}

// collectCaptures returns the cell slot of every exposed local declared so
// far in the current function (all of its block scopes share one
// cellSlots map). No extra slot is added for self.
func (e *Emitter) collectCaptures() []int {
	var slots []int
	for _, slot := range e.sc.cellSlots {
		slots = append(slots, slot)
	}
	return slots
}
