package core

import (
	"bytes"
	"testing"

	"github.com/alorelang/alore/core/gc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal program (§8 case 1): running Main prints "hi" and exits
// cleanly; the compiled Main has argMin == argMax == 0.
func TestMinimalProgramPrintsAndExits(t *testing.T) {
	c := NewCompiler()
	var out bytes.Buffer
	RegisterBuiltins(c, &out)

	src := "def Main()\n  WriteLn(\"hi\")\nend\n"
	_, err := CompileSource(c, "main", "main.alore", []byte(src))
	require.NoError(t, err)
	require.False(t, c.Errors.HasErrors())

	mainVal, ok := c.LookupGlobal("Main")
	require.True(t, ok)
	fn, ok := mainVal.Pointer().(*Function)
	require.True(t, ok)
	assert.Equal(t, 0, fn.ArgMin)
	assert.Equal(t, 0, fn.ArgMax)

	heap := gc.NewHeap(64*1024, 4096)
	vm := NewVM(c, heap)
	_, exc := vm.Call(mainVal, nil)
	require.Nil(t, exc)
	assert.Equal(t, "hi\n", out.String())
}

// Multiple assignment (§8 case 4): `var a, b = 1, 2` then `a, b = b, a`
// leaves a == 2, b == 1.
func TestMultipleAssignmentSwap(t *testing.T) {
	c := NewCompiler()
	var out bytes.Buffer
	RegisterBuiltins(c, &out)

	src := "def Main()\n" +
		"  var a, b = 1, 2\n" +
		"  a, b = b, a\n" +
		"  WriteLn(a, b)\n" +
		"end\n"
	_, err := CompileSource(c, "main", "main.alore", []byte(src))
	require.NoError(t, err)
	require.False(t, c.Errors.HasErrors())

	mainVal, ok := c.LookupGlobal("Main")
	require.True(t, ok)

	heap := gc.NewHeap(64*1024, 4096)
	vm := NewVM(c, heap)
	_, exc := vm.Call(mainVal, nil)
	require.Nil(t, exc)
	assert.Equal(t, "2 1\n", out.String())
}

// Anonymous-function capture (§8 case 5): `g` captures `x` by cell, not by
// value, so the assignment to `x` after `g` is created is still visible
// when `g` is finally called — `f()` returns 20, not 10.
func TestAnonymousFunctionCapturesByCell(t *testing.T) {
	c := NewCompiler()
	var out bytes.Buffer
	RegisterBuiltins(c, &out)

	src := "def f()\n" +
		"  var x = 10\n" +
		"  var g = def ()\n" +
		"    return x\n" +
		"  end\n" +
		"  x = 20\n" +
		"  return g()\n" +
		"end\n" +
		"def Main()\n" +
		"  WriteLn(f())\n" +
		"end\n"
	_, err := CompileSource(c, "main", "main.alore", []byte(src))
	require.NoError(t, err)
	require.False(t, c.Errors.HasErrors())

	mainVal, ok := c.LookupGlobal("Main")
	require.True(t, ok)

	heap := gc.NewHeap(64*1024, 4096)
	vm := NewVM(c, heap)
	_, exc := vm.Call(mainVal, nil)
	require.Nil(t, exc)
	assert.Equal(t, "20\n", out.String())
}
