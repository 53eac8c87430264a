package core

import (
	"fmt"
	"io"

	"github.com/alorelang/alore/internal/errs"
)

// This file implements the seam §4.8 calls out for C-modules ("the
// standard-library module bodies themselves are out of scope (§1); this
// is the seam they plug into") with the handful of globals every program
// needs to be runnable and testable against §8's concrete scenarios:
// WriteLn/Write. It does not attempt a real std/io/os/sys/math/reflect
// library — those stay out of scope per §1 — but registers its few
// globals the same way a real C-module realizer would (direct global
// symbol meanings, §4.3's own scanVarDeclPriv/scanDef idiom), so that
// `WriteLn("hi")` resolves without an explicit import: each global is
// pushed straight onto its symbol, and ModuleRegistry.Import marks the
// $builtin module unit cModuleActive.
const builtinModuleName = "$builtin"

// RegisterBuiltins installs the always-available globals by realizing the
// $builtin module; it returns nothing. Out must be supplied by the caller (the CLI
// driver owns stdout/stderr per §6; the core never assumes an OS stream).
func RegisterBuiltins(c *Compiler, out io.Writer) {
	c.Modules.RegisterBuiltin(builtinModuleName, func(c *Compiler, m *moduleUnit) error {
		def := func(name string, minArgs, maxArgs int, fn func(vm *VM, args []Value) (Value, *Exception)) {
			sym := c.Syms.Intern(name)
			idx := c.Globals.Alloc()
			si := sym.pushLocal(kindGlobalDef, idx, 0)
			si.global = &globalPayload{minArgs: minArgs, maxArgs: maxArgs}
			si.enclosingModule = m.symbol
			c.Globals.Set(idx, FromPointer(tagFunction, &Builtin{Name: name, Fn: fn}))
		}

		def("WriteLn", 0, -1, func(vm *VM, args []Value) (Value, *Exception) {
			writeArgs(out, args)
			fmt.Fprintln(out)
			return NilValue, nil
		})
		def("Write", 0, -1, func(vm *VM, args []Value) (Value, *Exception) {
			writeArgs(out, args)
			return NilValue, nil
		})
		return nil
	})
	if _, err := c.Modules.Import(builtinModuleName, nil); err != nil {
		c.errorf(errs.KindInternal, "realizing builtins: %v", err)
	}
}

func writeArgs(out io.Writer, args []Value) {
	for i, a := range args {
		if i > 0 {
			fmt.Fprint(out, " ")
		}
		fmt.Fprint(out, DisplayValue(a))
	}
}

// DisplayValue renders a Value the way WriteLn/Write show it (§6's
// "default display callback" referenced by §7's traceback rendering,
// generalized here to ordinary argument display and reused by the CLI
// driver to render an uncaught exception's payload).
func DisplayValue(v Value) string {
	switch v.tag {
	case tagNil:
		return "nil"
	case tagTrue:
		return "true"
	case tagFalse:
		return "false"
	case tagShortInt, tagLongInt:
		return fmt.Sprintf("%d", v.i)
	case tagFloat:
		return fmt.Sprintf("%g", v.f)
	case tagNarrowString, tagWideString:
		if s, ok := v.ptr.(string); ok {
			return s
		}
		return ""
	default:
		return fmt.Sprintf("%v", v.ptr)
	}
}
