package errs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListHasErrorsEmpty(t *testing.T) {
	var l List
	assert.False(t, l.HasErrors())
}

func TestListAddAccumulates(t *testing.T) {
	var l List
	l.Add(KindRedefined, Context{File: "a.alore"}, 3, "m redefined")
	l.Add(KindUndefined, Context{File: "a.alore"}, 5, "x is undefined")
	require.True(t, l.HasErrors())
	require.Len(t, l.Entries(), 2)
	assert.Equal(t, KindRedefined, l.Entries()[0].Kind)
	assert.Equal(t, 3, l.Entries()[0].Line)
}

// Out-of-memory is tracked separately from ordinary entries and never
// appended to Entries(), so it can be rendered last regardless of when
// SetOutOfMemory was called relative to other errors (§7 "rendered last").
func TestListOutOfMemorySeparateFromEntries(t *testing.T) {
	var l List
	l.Add(KindUndefined, Context{File: "a.alore"}, 1, "x is undefined")
	l.Add(KindOutOfMemory, Context{}, 0, "ignored")
	assert.True(t, l.OutOfMemory())
	assert.Len(t, l.Entries(), 1)
	assert.True(t, l.HasErrors())
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindParse:     "parse error",
		KindCycle:     "cycle in supertype hierarchy",
		KindRedefined: "redefined",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

func TestRenderDedupesAdjacentContext(t *testing.T) {
	var l List
	ctx := Context{File: "a.alore", Func: "f"}
	l.Add(KindUndefined, ctx, 1, "x is undefined")
	l.Add(KindUndefined, ctx, 2, "y is undefined")
	l.Add(KindRedefined, Context{File: "a.alore", Func: "g"}, 10, "m redefined")

	var buf bytes.Buffer
	l.Render(&buf)
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "a.alore: f"))
	assert.Contains(t, out, "a.alore: g")
	assert.Contains(t, out, "line 1")
	assert.Contains(t, out, "line 2")
	assert.Contains(t, out, "line 10")
}

func TestRenderOOMLast(t *testing.T) {
	var l List
	l.Add(KindUndefined, Context{File: "a.alore"}, 1, "x is undefined")
	l.SetOutOfMemory()

	var buf bytes.Buffer
	l.Render(&buf)
	out := buf.String()

	undefinedAt := strings.Index(out, "x is undefined")
	oomAt := strings.Index(out, "out of memory")
	require.NotEqual(t, -1, undefinedAt)
	require.NotEqual(t, -1, oomAt)
	assert.Less(t, undefinedAt, oomAt)
}
