package core

import (
	"testing"

	"github.com/alorelang/alore/core/gc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVM() (*Compiler, *VM) {
	c := NewCompiler()
	heap := gc.NewHeap(64*1024, 4096)
	return c, NewVM(c, heap)
}

// Bytecode shape mirrors exactly what core/emitter.go's compileTry/
// compileReturn emit for `try; return 1; finally; return 2; end` (§8 case
// 6): the try body's `return 1` is rewritten to OpReturnThroughFinally
// and its placeholder jump patched to the finally's handler PC; the
// finally's own `return 2`, compiled with inFinally set, is a plain
// OpReturn that runs immediately and overrides whatever pending return
// the try body stashed.
func TestFinallyOverridesReturn(t *testing.T) {
	_, vm := newTestVM()

	fn := &Function{
		Name:      "f",
		ArgMin:    0,
		ArgMax:    0,
		FrameSize: 3,
		Code: []instr{
			{op: OpLoadConst, a: 0, b: 1, c: 0},            // s0 = 1
			{op: OpReturnThroughFinally, a: 3, b: 0, c: 0}, // stash pendingVal=1, jump to finally
			{op: OpJump, a: 3, b: 0, c: 0},                 // unreachable normal-completion jump
			{op: OpLoadConst, a: 2, b: 2, c: 0},            // s2 = 2 (finally body)
			{op: OpReturn, a: 2, b: 0, c: 0},               // finally's own return overrides
			{op: OpLeaveFinally, a: 0, b: 0, c: 1},         // dead: only reached on fallthrough
		},
		Exceptions: []exceptDescriptor{
			{kind: descBeginTry, rangeStart: 0, rangeEnd: 2, direct: true},
			{kind: descFinally, rangeStart: 0, rangeEnd: 2, localSlot: 1, handlerPC: 3},
			{kind: descEndTry, rangeStart: 0, rangeEnd: 2},
		},
	}

	v, exc := vm.Call(FunctionValue(fn), nil)
	require.Nil(t, exc)
	assert.Equal(t, ShortInt(2), v)
}

// Without a finally clause, a return inside a try still must actually
// return (not fall through to whatever bytecode follows the try) — the
// no-finally trampoline patchFinallyExits synthesizes for this case.
func TestReturnInsideBareTryStillReturns(t *testing.T) {
	_, vm := newTestVM()

	fn := &Function{
		Name:      "f",
		FrameSize: 2,
		Code: []instr{
			{op: OpLoadConst, a: 0, b: 7, c: 0},            // s0 = 7
			{op: OpReturnThroughFinally, a: 2, b: 0, c: 0}, // jump to trampoline
			{op: OpLeaveFinally, a: 0, b: 0, c: -1},        // trampoline: no saved-exception slot
			{op: OpLoadConst, a: 1, b: 99, c: 0},           // would-be fallthrough, must not run
			{op: OpReturn, a: 1, b: 0, c: 0},
		},
	}

	v, exc := vm.Call(FunctionValue(fn), nil)
	require.Nil(t, exc)
	assert.Equal(t, ShortInt(7), v, "pending return must be consumed at the trampoline, not fall through")
}

// A plain return outside any try is unaffected by the finally machinery.
func TestPlainReturnOutsideTry(t *testing.T) {
	_, vm := newTestVM()

	fn := &Function{
		Name:      "f",
		FrameSize: 1,
		Code: []instr{
			{op: OpLoadConst, a: 0, b: 5, c: 0},
			{op: OpReturn, a: 0, b: 0, c: 0},
		},
	}

	v, exc := vm.Call(FunctionValue(fn), nil)
	require.Nil(t, exc)
	assert.Equal(t, ShortInt(5), v)
}

// A finally with no early return inside it falls off the end into
// OpLeaveFinally, which must then resume whatever the try body was
// already doing — here, the pending return stashed before entering it.
func TestFinallyFallsThroughToPendingReturn(t *testing.T) {
	_, vm := newTestVM()

	fn := &Function{
		Name:      "f",
		FrameSize: 2,
		Code: []instr{
			{op: OpLoadConst, a: 0, b: 4, c: 0},            // s0 = 4
			{op: OpReturnThroughFinally, a: 2, b: 0, c: 0}, // stash pendingVal=4, jump to finally
			{op: OpNop, a: 0, b: 0, c: 0},                  // finally body: does nothing, falls through
			{op: OpLeaveFinally, a: 0, b: 0, c: 1},
		},
		Exceptions: []exceptDescriptor{
			{kind: descBeginTry, rangeStart: 0, rangeEnd: 2, direct: true},
			{kind: descFinally, rangeStart: 0, rangeEnd: 2, localSlot: 1, handlerPC: 2},
			{kind: descEndTry, rangeStart: 0, rangeEnd: 2},
		},
	}

	v, exc := vm.Call(FunctionValue(fn), nil)
	require.Nil(t, exc)
	assert.Equal(t, ShortInt(4), v)
}
