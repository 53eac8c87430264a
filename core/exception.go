package core

import "fmt"

// This file implements §4.6's exception unwinder and §7's runtime
// exception propagation, modeled as an explicit dispatch loop over tagged
// results rather than host-language panics (§9 "Exceptions as control
// flow"): Go panics are reserved for internal invariant violations, never
// for language-level `raise`.

// Exception is a raised language-level exception instance.
type Exception struct {
	Type       TypeIndex
	Payload    Value
	Traceback  []TraceFrame
	raisedAt   int // stack pointer at raise time, used for the write-barrier
	// root scan and traceback construction; see core/gc.
}

// TraceFrame is one rendered traceback line (§4.6 "Traceback").
type TraceFrame struct {
	FuncName string
	File     string
	Line     int
}

func (f TraceFrame) String() string { return fmt.Sprintf("%s (%s, line %d)", f.FuncName, f.File, f.Line) }

const tracebackCap = 2000

// CallFrame is one live activation record the unwinder walks.
type CallFrame struct {
	Fn       *Function
	PC       int
	Locals   []Value
	FileName string

	// contextIndex counts how deep inside direct-flagged try blocks this
	// frame is (§4.6 "per-thread context index").
	contextIndex int

	// pendingReturn and pendingVal carry a `return` that must run an
	// enclosing finally first (§4.4/§8 case 6): OpReturnThroughFinally
	// stashes the value here before jumping to the finally's handler PC,
	// and the OpLeaveFinally at that finally's end consumes it in place
	// of its usual fallthrough/reraise behavior.
	pendingReturn bool
	pendingVal    Value
}

// Unwinder implements the per-thread exception search and resumption of
// §4.6.
type Unwinder struct {
	stack []*CallFrame
}

func NewUnwinder() *Unwinder { return &Unwinder{} }

func (u *Unwinder) Push(f *CallFrame) { u.stack = append(u.stack, f) }
func (u *Unwinder) Pop() {
	if len(u.stack) > 0 {
		u.stack = u.stack[:len(u.stack)-1]
	}
}
func (u *Unwinder) Top() *CallFrame {
	if len(u.stack) == 0 {
		return nil
	}
	return u.stack[len(u.stack)-1]
}

// RaiseResult tells the interpreter loop what to do after Raise returns.
type RaiseResult int

const (
	ResumeAt RaiseResult = iota // handler found in the top frame; resume at descriptor PC
	Propagate                   // no handler in top frame; caller must pop and retry
	Escaped                     // no frame handled it; render traceback
)

// Raise searches the current (top) frame's exception-descriptor block
// starting at its current PC for an except or finally record covering the
// raise site (§4.6).
func (u *Unwinder) Raise(arena *TypeArena, exc *Exception) (RaiseResult, *exceptDescriptor) {
	f := u.Top()
	if f == nil {
		return Escaped, nil
	}
	for i := range f.Fn.Exceptions {
		d := &f.Fn.Exceptions[i]
		if d.kind != descExcept && d.kind != descFinally {
			continue
		}
		if f.PC < d.rangeStart || f.PC >= d.rangeEnd {
			continue
		}
		switch d.kind {
		case descExcept:
			if !isSubtype(arena, exc.Type, TypeIndex(d.caughtTypeGI)) {
				continue
			}
			if d.localSlot >= 0 { // -1: `except Type` binds no variable
				f.Locals[d.localSlot] = FromPointer(tagInstance, exc)
			}
			u.adjustContextForHandler(f, d)
			f.PC = d.handlerPC
			return ResumeAt, d
		case descFinally:
			u.buildPartialTraceback(exc)
			f.Locals[d.localSlot] = FromPointer(tagInstance, exc)
			f.PC = d.handlerPC
			return ResumeAt, d
		}
	}
	return Propagate, nil
}

func (u *Unwinder) adjustContextForHandler(f *CallFrame, d *exceptDescriptor) {
	if f.contextIndex > 0 {
		f.contextIndex--
	}
}

func isSubtype(arena *TypeArena, sub, super TypeIndex) bool {
	cur := sub
	for {
		if cur == super {
			return true
		}
		next, ok := arena.Super(cur)
		if !ok {
			return false
		}
		cur = next
	}
}

// PropagateToCaller tears down the current frame and lets the caller retry in its
// own descriptor block (§4.6 "the interpreter tears down the current
// frame and retries in the caller's descriptor block").
func (u *Unwinder) PropagateToCaller() {
	u.Pop()
}

// buildPartialTraceback appends the current (top) frame to exc.Traceback;
// called again on each further escape, it adds each caller frame in turn.
// It applies no cap or elision marker; FinalizeTraceback does that.
func (u *Unwinder) buildPartialTraceback(exc *Exception) {
	f := u.Top()
	if f == nil {
		return
	}
	line := f.Fn.LineForPC(f.PC)
	exc.Traceback = append(exc.Traceback, TraceFrame{FuncName: f.Fn.Name, File: f.FileName, Line: line})
}

// FinalizeTraceback walks every remaining frame from raise site downward
// when the exception escapes a handler-less frame entirely, caps it at
// tracebackCap with a single elision marker, and drops frames belonging
// to the synthetic Main wrapper and anonymous-function boilerplate
// (§4.6 "Traceback").
func (u *Unwinder) FinalizeTraceback(exc *Exception) []TraceFrame {
	var frames []TraceFrame
	for i := len(u.stack) - 1; i >= 0; i-- {
		f := u.stack[i]
		if isBoilerplateFrame(f.Fn.Name) {
			continue
		}
		frames = append(frames, TraceFrame{
			FuncName: f.Fn.Name,
			File:     f.FileName,
			Line:     f.Fn.LineForPC(f.PC),
		})
	}
	if len(frames) > tracebackCap {
		head := frames[:tracebackCap/2]
		tail := frames[len(frames)-tracebackCap/2:]
		elided := len(frames) - len(head) - len(tail)
		mid := TraceFrame{FuncName: fmt.Sprintf("... %d entries skipped ...", elided)}
		frames = append(append(append([]TraceFrame{}, head...), mid), tail...)
	}
	exc.Traceback = frames
	return frames
}

func isBoilerplateFrame(name string) bool {
	return name == mainWrapperName || name == anonFuncBoilerplateName
}

const (
	mainWrapperName         = "Main$wrapper"
	anonFuncBoilerplateName = "$anon$boilerplate"
)

// LeaveFinally implements the `leave-finally` opcode's non-return tail of
// §4.4's "break and return inside a try/finally": the VM dispatch loop
// handles an in-flight pending return itself (§8 case 6) before ever
// calling this, so the only two outcomes left for LeaveFinally to decide
// are whether the finally's saved-exception slot holds a propagating
// exception to re-raise, or whether control just falls through it.
type FinallyDiscriminator int

const (
	FinallyFallthrough FinallyDiscriminator = iota
	FinallyReraise
)

func (u *Unwinder) LeaveFinally(arena *TypeArena, disc FinallyDiscriminator, saved *Exception) (RaiseResult, *Exception) {
	switch disc {
	case FinallyReraise:
		r, _ := u.Raise(arena, saved)
		return r, saved
	default:
		return ResumeAt, nil
	}
}
