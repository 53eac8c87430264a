package core

import (
	"fmt"

	"github.com/alorelang/alore/core/gc"
)

// This file implements §2's final control-flow step ("hand bytecode to
// interpreter") and the value/type predicates share of §4.6's "Bytecode
// interpreter hooks": a straight-line dispatch loop over one Function's
// Code, built on top of the explicit Unwinder rather than Go panics (§9
// "Exceptions as control flow"). It is deliberately a simple switch-based
// loop — the teacher's own yaegi instead walks a generated CFG of bltn
// closures, but this port emits flat bytecode directly (§4.4's own doc
// comment), so a dispatch loop over opcodes is the idiomatic match.

// heapObj is the common embedding every VM-allocated heap value uses to
// satisfy gc.Object's Header() half; each concrete type computes its own
// Refs() on demand from its current fields rather than caching a stale
// slice, since Instance.Slots/HeapArray.Elems mutate after allocation.
type heapObj struct {
	hdr gc.Header
}

func (o *heapObj) Header() *gc.Header { return &o.hdr }

// Instance is §3's Instance record: a Type back-pointer plus declared
// member slots.
type Instance struct {
	heapObj
	Type  TypeIndex
	Slots []Value
}

func (o *Instance) Refs() []*gc.Ref { return refsOfValues(o.Slots) }

// Closure is a Function paired with its captured cells (§4.4 "Anonymous
// functions"); OpCreateAnonymous produces one from a template Function and
// the cell slots named by the preceding OpCaptureCell run. Cells is keyed
// by the defining frame's slot number for the captured variable, since
// that is the same number the closure body's own OpLoadExposed/
// OpStoreExposed instructions reference (§8 case 5) — not by capture
// order, which has no relationship to the body's slot numbering.
type Closure struct {
	heapObj
	Fn    *Function
	Cells map[int]*Cell
}

func (o *Closure) Refs() []*gc.Ref {
	refs := make([]*gc.Ref, 0, len(o.Cells))
	for _, c := range o.Cells {
		refs = append(refs, &gc.Ref{Target: c})
	}
	return refs
}

// Cell is one exposed local's heap-allocated storage, shared between the
// defining frame and every closure capturing it (§4.4, §8 case 5).
type Cell struct {
	heapObj
	Value Value
}

func (o *Cell) Refs() []*gc.Ref { return refsOfValues([]Value{o.Value}) }

// HeapArray backs tagArray/tagTuple values.
type HeapArray struct {
	heapObj
	Elems []Value
}

func (o *HeapArray) Refs() []*gc.Ref { return refsOfValues(o.Elems) }

// HeapPair backs tagPair values.
type HeapPair struct {
	heapObj
	A, B Value
}

func (o *HeapPair) Refs() []*gc.Ref { return refsOfValues([]Value{o.A, o.B}) }

// valueRefs returns o.ptr as a gc.Object if it carries a heap reference the
// collector must trace, or nil for inline/non-heap tags.
func valueRefs(v Value) gc.Object {
	if o, ok := v.ptr.(gc.Object); ok {
		return o
	}
	return nil
}

func refsOfValues(vs []Value) []*gc.Ref {
	refs := make([]*gc.Ref, len(vs))
	for i, v := range vs {
		refs[i] = &gc.Ref{Target: valueRefs(v)}
	}
	return refs
}

// VM executes compiled Functions against a Compiler's globals/types/heap.
// One VM serves one thread of execution (§5: threads each get their own
// Unwinder and call-stack; the heap and globals are shared).
type VM struct {
	c    *Compiler
	heap *gc.Heap
	u    *Unwinder
}

func NewVM(c *Compiler, heap *gc.Heap) *VM {
	return &VM{c: c, heap: heap, u: NewUnwinder()}
}

// MakeArray allocates a tagArray Value on vm's heap, for host code (the
// CLI driver's program-args passthrough, §6) that needs to hand the
// running program a value built outside any bytecode instruction.
func (vm *VM) MakeArray(elems []Value) Value {
	arr := &HeapArray{Elems: elems}
	vm.heap.Allocate(arr, 16+8*len(elems), false)
	return Value{tag: tagArray, ptr: arr}
}

// Builtin is a host function exposed to the language as an ordinary
// global Function-tagged value (§4.8's C-module realization seam).
type Builtin struct {
	Name string
	Fn   func(vm *VM, args []Value) (Value, *Exception)
}

// Call invokes fn with args, running the dispatch loop to completion or
// until an exception escapes every frame. A *Closure dispatches to its
// underlying Fn with Cells installed; a *Builtin is called directly.
func (vm *VM) Call(callee Value, args []Value) (Value, *Exception) {
	switch callee.tag {
	case tagFunction:
		switch fv := callee.ptr.(type) {
		case *Function:
			return vm.callFunction(fv, nil, args, "")
		case *Builtin:
			v, exc := fv.Fn(vm, args)
			return v, exc
		case *Closure:
			return vm.callFunction(fv.Fn, fv.Cells, args, "")
		}
	case tagMethodBinding:
		mb := callee.ptr.(*methodBinding)
		full := append([]Value{mb.Recv}, args...)
		return vm.Call(vm.c.Globals.Get(mb.GlobalIdx), full)
	}
	return NilValue, vm.internalError("value is not callable")
}

// methodBinding is the tagMethodBinding heap payload: a bound receiver
// plus the global slot of the resolved method, produced by OpCallMethod's
// member-table lookup (§4.5 "Dynamic dispatch").
type methodBinding struct {
	heapObj
	Recv      Value
	GlobalIdx int
}

func (o *methodBinding) Refs() []*gc.Ref { return refsOfValues([]Value{o.Recv}) }

func (vm *VM) internalError(msg string) *Exception {
	return &Exception{Payload: NarrowString(msg)}
}

// callFunction runs one activation of fn with args bound to its first
// parameter slots and cells (if any) available for OpLoadExposed/
// OpStoreExposed, returning either its return value or an Exception that
// escaped every try/except/finally block in its body (§4.6).
func (vm *VM) callFunction(fn *Function, cells map[int]*Cell, args []Value, fileName string) (Value, *Exception) {
	locals := make([]Value, fn.FrameSize)
	n := len(args)
	if n > fn.ArgMax && !fn.Varargs {
		n = fn.ArgMax
	}
	for i := 0; i < n && i < len(locals); i++ {
		locals[i] = args[i]
	}
	frame := &CallFrame{Fn: fn, Locals: locals, FileName: fileName}
	vm.u.Push(frame)
	defer vm.u.Pop()

	cellFor := map[int]*Cell{}
	capturedCells := cells
	var pendingCaptures []*Cell
	var pendingCaptureSlots []int
	var pendingArgs []Value

	for frame.PC < len(fn.Code) {
		instr := fn.Code[frame.PC]
		switch instr.op {
		case OpNop:
			frame.PC++

		case OpLoadConst:
			if instr.c == 0 {
				locals[instr.a] = ShortInt(int64(instr.b))
			} else {
				locals[instr.a] = fn.Consts[instr.b]
			}
			frame.PC++

		case OpLoadGlobal:
			locals[instr.a] = vm.c.Globals.Get(int(instr.b))
			frame.PC++

		case OpStoreGlobal:
			vm.c.Globals.Set(int(instr.a), locals[instr.b])
			frame.PC++

		case OpLoadLocal:
			locals[instr.a] = locals[instr.b]
			frame.PC++

		case OpStoreLocal:
			locals[instr.a] = locals[instr.b]
			frame.PC++

		case OpLoadExposed:
			cell := vm.cellAt(int(instr.b), cellFor, capturedCells)
			locals[instr.a] = cell.Value
			frame.PC++

		case OpStoreExposed:
			cell := vm.cellAt(int(instr.a), cellFor, capturedCells)
			cell.Value = locals[instr.b]
			frame.PC++

		case OpLoadMember:
			inst, exc := vm.asInstance(locals[instr.b])
			if exc != nil {
				if r, handled := vm.handleRaise(frame, exc); handled {
					continue
				} else {
					return NilValue, r
				}
			}
			v, ok := vm.c.Types.Lookup(inst.Type, []partitionKind{partVarGetPublic, partVarGetPrivate}, uint32(instr.c))
			if !ok {
				exc = vm.internalError("no such member")
			} else {
				locals[instr.a] = vm.readMember(inst, v)
			}
			if exc != nil {
				if _, handled := vm.handleRaise(frame, exc); handled {
					continue
				}
				return NilValue, exc
			}
			frame.PC++

		case OpStoreMember:
			inst, exc := vm.asInstance(locals[instr.a])
			if exc == nil {
				v, ok := vm.c.Types.Lookup(inst.Type, []partitionKind{partVarSetPublic, partVarSetPrivate}, uint32(instr.b))
				if !ok {
					exc = vm.internalError("no such member")
				} else {
					vm.writeMember(inst, v, locals[instr.c])
				}
			}
			if exc != nil {
				if _, handled := vm.handleRaise(frame, exc); handled {
					continue
				}
				return NilValue, exc
			}
			frame.PC++

		case OpLoadIndex:
			locals[instr.a] = vm.loadIndex(locals[instr.b], locals[instr.c])
			frame.PC++

		case OpStoreIndex:
			vm.storeIndex(locals[instr.a], locals[instr.b], locals[instr.c])
			frame.PC++

		case OpMakeArray, OpMakeTuple:
			arr := &HeapArray{}
			vm.heap.Allocate(arr, 16, false)
			locals[instr.a] = FromPointer(tagArray, arr)
			if instr.op == OpMakeTuple {
				locals[instr.a] = FromPointer(tagTuple, arr)
			}
			frame.PC++

		case OpMakePair:
			p := &HeapPair{A: locals[instr.b], B: locals[instr.c]}
			vm.heap.Allocate(p, 16, false)
			locals[instr.a] = FromPointer(tagPair, p)
			frame.PC++

		case OpMakeRange:
			p := &HeapPair{A: locals[instr.b], B: locals[instr.c]}
			vm.heap.Allocate(p, 16, false)
			locals[instr.a] = FromPointer(tagRange, p)
			frame.PC++

		case OpExpand:
			// destructure locals[instr.b] (an array/tuple) into the N
			// consecutive slots starting at instr.a; instr.c carries N
			// (§4.4 "Multiple assignment").
			src := locals[instr.b]
			var elems []Value
			if arr, ok := src.ptr.(*HeapArray); ok {
				elems = arr.Elems
			}
			for i := 0; i < int(instr.c); i++ {
				if i < len(elems) {
					locals[int(instr.a)+i] = elems[i]
				} else {
					locals[int(instr.a)+i] = NilValue
				}
			}
			frame.PC++

		case OpCaptureCell:
			pendingCaptures = append(pendingCaptures, vm.cellAt(int(instr.a), cellFor, capturedCells))
			pendingCaptureSlots = append(pendingCaptureSlots, int(instr.a))
			frame.PC++

		case OpCreateAnonymous:
			tmpl, _ := vm.c.Globals.Get(int(instr.b)).ptr.(*Function)
			n := int(instr.c)
			start := len(pendingCaptures) - n
			cells := make(map[int]*Cell, n)
			for i := start; i < len(pendingCaptures); i++ {
				cells[pendingCaptureSlots[i]] = pendingCaptures[i]
			}
			cl := &Closure{Fn: tmpl, Cells: cells}
			pendingCaptures = pendingCaptures[:start]
			pendingCaptureSlots = pendingCaptureSlots[:start]
			vm.heap.Allocate(cl, 24, false)
			locals[instr.a] = FromPointer(tagFunction, cl)
			frame.PC++

		case OpAdd, OpSub, OpMul, OpDiv, OpPow:
			v, exc := vm.arith(instr.op, locals[instr.b], locals[instr.c])
			if exc != nil {
				if _, handled := vm.handleRaise(frame, exc); handled {
					continue
				}
				return NilValue, exc
			}
			locals[instr.a] = v
			frame.PC++

		case OpUnaryMinus:
			locals[instr.a] = vm.negate(locals[instr.b])
			frame.PC++

		case OpNot:
			locals[instr.a] = boolValue(!locals[instr.b].Truth())
			frame.PC++

		case OpCmpEq, OpCmpNe, OpCmpLt, OpCmpLe, OpCmpGt, OpCmpGe, OpCmpIn, OpCmpIs:
			locals[instr.a] = vm.compare(instr.op, locals[instr.b], locals[instr.c])
			frame.PC++

		case OpJump:
			frame.PC = int(instr.a)

		case OpJumpIfFalse:
			if !locals[instr.b].Truth() {
				frame.PC = int(instr.a)
			} else {
				frame.PC++
			}

		case OpJumpIfTrue:
			if locals[instr.b].Truth() {
				frame.PC = int(instr.a)
			} else {
				frame.PC++
			}

		case OpPushArg:
			pendingArgs = append(pendingArgs, locals[instr.a])
			frame.PC++

		case OpCall:
			callee := locals[instr.b]
			args := pendingArgs
			pendingArgs = nil
			v, exc := vm.Call(callee, args)
			if exc != nil {
				if _, handled := vm.handleRaise(frame, exc); handled {
					continue
				}
				return NilValue, exc
			}
			locals[instr.a] = v
			frame.PC++

		case OpCallMethod:
			recv := locals[instr.b]
			margs := pendingArgs
			pendingArgs = nil
			inst, exc := vm.asInstance(recv)
			var v Value
			if exc == nil {
				gi, ok := vm.c.Types.Lookup(inst.Type, []partitionKind{partMethodPublic, partMethodPrivate}, uint32(instr.c))
				if !ok {
					exc = vm.internalError("no such method")
				} else {
					v, exc = vm.Call(vm.c.Globals.Get(int(gi)), append([]Value{recv}, margs...))
				}
			}
			if exc != nil {
				if _, handled := vm.handleRaise(frame, exc); handled {
					continue
				}
				return NilValue, exc
			}
			locals[instr.a] = v
			frame.PC++

		case OpReturn:
			return locals[instr.a], nil

		case OpCreateInstance:
			typ := vm.c.Types.At(TypeIndex(instr.b))
			inst := &Instance{Type: TypeIndex(instr.b), Slots: make([]Value, typ.totalNumVars)}
			vm.heap.Allocate(inst, 8*len(inst.Slots), typ.inheritsFinalizer)
			if typ.ctorGlobal >= 0 {
				args := pendingArgs
				pendingArgs = nil
				full := append([]Value{FromPointer(tagInstance, inst)}, args...)
				if _, exc := vm.Call(vm.c.Globals.Get(typ.ctorGlobal), full); exc != nil {
					if _, handled := vm.handleRaise(frame, exc); handled {
						continue
					}
					return NilValue, exc
				}
			}
			locals[instr.a] = FromPointer(tagInstance, inst)
			frame.PC++

		case OpRaise:
			exc := &Exception{Type: TypeIndex(instr.b), Payload: locals[instr.a]}
			if _, handled := vm.handleRaise(frame, exc); handled {
				continue
			}
			return NilValue, exc

		case OpBeginTry, OpEndTry:
			frame.PC++

		case OpLeaveFinally:
			// instr.c names the finally's saved-exception local, or -1 for
			// the no-finally trampoline patchFinallyExits synthesizes for
			// a bare try/except with no finally clause (§4.4).
			var saved *Exception
			if instr.c >= 0 {
				if si, ok := locals[instr.c].ptr.(*Exception); ok {
					saved = si
				}
			}
			if frame.pendingReturn {
				frame.pendingReturn = false
				return frame.pendingVal, nil
			}
			disc := FinallyFallthrough
			if saved != nil {
				disc = FinallyReraise
			}
			res, exc := vm.u.LeaveFinally(vm.c.Types, disc, saved)
			if res == ResumeAt {
				if exc != nil {
					// re-raise found a handler in this frame; frame.PC
					// already points at it (set inside Unwinder.Raise).
					continue
				}
				frame.PC++
				continue
			}
			if exc == nil {
				exc = saved
			}
			if exc != nil {
				vm.u.buildPartialTraceback(exc)
			}
			return NilValue, exc

		case OpBreakThroughFinally:
			frame.PC = int(instr.a)

		case OpReturnThroughFinally:
			frame.pendingVal = locals[instr.b]
			frame.pendingReturn = true
			frame.PC = int(instr.a)

		case OpPop:
			frame.PC++

		case OpDup:
			locals[instr.a] = locals[instr.b]
			frame.PC++

		default:
			return NilValue, vm.internalError(fmt.Sprintf("unimplemented opcode %d", instr.op))
		}
	}
	return NilValue, nil
}

// cellAt returns the Cell backing exposed local slot, creating it on first
// use within this frame. A closure invocation's own captured cells are
// addressed by the same slot numbering the defining frame used (the
// emitter assigns cell slots once, at declaration, and both the declaring
// frame and every nested closure body reference that same slot number),
// so a previously captured cell is reused rather than shadowed by a fresh
// one.
func (vm *VM) cellAt(slot int, cellFor map[int]*Cell, captured map[int]*Cell) *Cell {
	if c, ok := cellFor[slot]; ok {
		return c
	}
	if c, ok := captured[slot]; ok {
		cellFor[slot] = c
		return c
	}
	c := &Cell{}
	vm.heap.Allocate(c, 8, false)
	cellFor[slot] = c
	return c
}

func (vm *VM) asInstance(v Value) (*Instance, *Exception) {
	if inst, ok := v.ptr.(*Instance); ok {
		return inst, nil
	}
	return nil, vm.internalError("receiver is not an instance")
}

func (vm *VM) readMember(inst *Instance, slot uint32) Value {
	accessor := slot&accessorFlag != 0
	idx := slot &^ accessorFlag
	if accessor {
		v, exc := vm.Call(vm.c.Globals.Get(int(idx)), []Value{FromPointer(tagInstance, inst)})
		if exc != nil {
			return NilValue
		}
		return v
	}
	if int(idx) < len(inst.Slots) {
		return inst.Slots[idx]
	}
	return NilValue
}

func (vm *VM) writeMember(inst *Instance, slot uint32, v Value) {
	accessor := slot&accessorFlag != 0
	idx := slot &^ accessorFlag
	if accessor {
		vm.Call(vm.c.Globals.Get(int(idx)), []Value{FromPointer(tagInstance, inst), v})
		return
	}
	if int(idx) < len(inst.Slots) {
		inst.Slots[idx] = v
		if o := valueRefs(v); o != nil {
			vm.heap.WriteBarrier(&gc.Ref{Target: o}, o)
		}
	}
}

func (vm *VM) handleRaise(frame *CallFrame, exc *Exception) (*Exception, bool) {
	res, _ := vm.u.Raise(vm.c.Types, exc)
	switch res {
	case ResumeAt:
		return nil, true
	default:
		vm.u.buildPartialTraceback(exc)
		return exc, false
	}
}

func boolValue(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

func (vm *VM) negate(v Value) Value {
	switch v.tag {
	case tagShortInt:
		return ShortInt(-v.i)
	case tagFloat:
		return Float(-v.f)
	}
	return NilValue
}

func (vm *VM) arith(op Opcode, a, b Value) (Value, *Exception) {
	if a.tag == tagFloat || b.tag == tagFloat {
		af, bf := toFloat(a), toFloat(b)
		switch op {
		case OpAdd:
			return Float(af + bf), nil
		case OpSub:
			return Float(af - bf), nil
		case OpMul:
			return Float(af * bf), nil
		case OpDiv:
			if bf == 0 {
				return NilValue, vm.internalError("division by zero")
			}
			return Float(af / bf), nil
		case OpPow:
			return Float(ipow(af, bf)), nil
		}
	}
	if a.tag == tagNarrowString && op == OpAdd {
		return NarrowString(a.ptr.(string) + fmt.Sprint(stringOf(b))), nil
	}
	ai, bi := a.i, b.i
	switch op {
	case OpAdd:
		return ShortInt(ai + bi), nil
	case OpSub:
		return ShortInt(ai - bi), nil
	case OpMul:
		return ShortInt(ai * bi), nil
	case OpDiv:
		if bi == 0 {
			return NilValue, vm.internalError("division by zero")
		}
		return ShortInt(ai / bi), nil
	case OpPow:
		return ShortInt(int64(ipow(float64(ai), float64(bi)))), nil
	}
	return NilValue, nil
}

func ipow(a, b float64) float64 {
	r := 1.0
	neg := b < 0
	n := int(b)
	if neg {
		n = -n
	}
	for i := 0; i < n; i++ {
		r *= a
	}
	if neg {
		return 1 / r
	}
	return r
}

func toFloat(v Value) float64 {
	if v.tag == tagFloat {
		return v.f
	}
	return float64(v.i)
}

func stringOf(v Value) interface{} {
	switch v.tag {
	case tagNarrowString:
		return v.ptr
	case tagShortInt:
		return v.i
	case tagFloat:
		return v.f
	}
	return ""
}

func (vm *VM) compare(op Opcode, a, b Value) Value {
	switch op {
	case OpCmpIs:
		return boolValue(a.tag == b.tag && a.ptr == b.ptr && a.i == b.i)
	case OpCmpEq:
		return boolValue(valuesEqual(a, b))
	case OpCmpNe:
		return boolValue(!valuesEqual(a, b))
	case OpCmpLt, OpCmpLe, OpCmpGt, OpCmpGe:
		af, bf := toFloat(a), toFloat(b)
		switch op {
		case OpCmpLt:
			return boolValue(af < bf)
		case OpCmpLe:
			return boolValue(af <= bf)
		case OpCmpGt:
			return boolValue(af > bf)
		case OpCmpGe:
			return boolValue(af >= bf)
		}
	case OpCmpIn:
		if arr, ok := b.ptr.(*HeapArray); ok {
			for _, e := range arr.Elems {
				if valuesEqual(e, a) {
					return TrueValue
				}
			}
			return FalseValue
		}
	}
	return FalseValue
}

func valuesEqual(a, b Value) bool {
	if a.tag != b.tag {
		if (a.tag == tagShortInt || a.tag == tagFloat) && (b.tag == tagShortInt || b.tag == tagFloat) {
			return toFloat(a) == toFloat(b)
		}
		return false
	}
	switch a.tag {
	case tagShortInt:
		return a.i == b.i
	case tagFloat:
		return a.f == b.f
	case tagNarrowString:
		return a.ptr.(string) == b.ptr.(string)
	default:
		return a.ptr == b.ptr
	}
}

func (vm *VM) loadIndex(recv, idx Value) Value {
	switch r := recv.ptr.(type) {
	case *HeapArray:
		i := int(idx.i)
		if i >= 0 && i < len(r.Elems) {
			return r.Elems[i]
		}
	case *HeapPair:
		if idx.i == 0 {
			return r.A
		}
		return r.B
	}
	return NilValue
}

func (vm *VM) storeIndex(recv, idx, v Value) {
	if r, ok := recv.ptr.(*HeapArray); ok {
		i := int(idx.i)
		for i >= len(r.Elems) {
			r.Elems = append(r.Elems, NilValue)
		}
		r.Elems[i] = v
	}
}

// Roots implements the root-set provider §4.7 describes the collector
// consuming ("globals, thread stacks, pending-exception slots, temp
// stacks"): Compiler.Roots returns every heap-carried global value, and
// VM.Roots every heap-carried local slot on the running VM's frame stack.
// A cell held only in a frame's exposed-local table (not in a local slot)
// is in neither set. The CLI driver (§6) installs both via
// gc.Heap.SetRootProvider before the first collection.
func (c *Compiler) Roots() []gc.Object {
	var roots []gc.Object
	for _, v := range c.Globals.Slots() {
		if o := valueRefs(v); o != nil {
			roots = append(roots, o)
		}
	}
	return roots
}

func (vm *VM) Roots() []gc.Object {
	var roots []gc.Object
	for _, frame := range vm.u.stack {
		for _, v := range frame.Locals {
			if o := valueRefs(v); o != nil {
				roots = append(roots, o)
			}
		}
	}
	return roots
}
