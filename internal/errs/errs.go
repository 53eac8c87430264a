// Package errs implements §7's error-reporting design: an accumulator
// that collects compile-time errors instead of aborting on the first one,
// plus the user-visible rendering with deduplicated context prefixes.
package errs

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Kind distinguishes the error categories of §7.
type Kind int

const (
	KindParse Kind = iota
	KindRedefined
	KindUndefined
	KindAmbiguous
	KindIncompatibleSuper
	KindInterfaceNotImplemented
	KindInvalidCast
	KindCycle
	KindOverflow
	KindOutOfMemory
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindRedefined:
		return "redefined"
	case KindUndefined:
		return "undefined"
	case KindAmbiguous:
		return "ambiguous"
	case KindIncompatibleSuper:
		return "incompatible with superclass"
	case KindInterfaceNotImplemented:
		return "interface not implemented"
	case KindInvalidCast:
		return "invalid cast"
	case KindCycle:
		return "cycle in supertype hierarchy"
	case KindOverflow:
		return "internal overflow"
	case KindOutOfMemory:
		return "out of memory"
	case KindInternal:
		return "internal error"
	default:
		return "error"
	}
}

// Context is one entry in the prefix chain rendered before a message
// (§7 "prefix chain of source file / function / class-member contexts").
type Context struct {
	File   string
	Func   string
	Member string
}

// Entry is a single accumulated error.
type Entry struct {
	Kind    Kind
	Ctx     Context
	Line    int
	Message string
}

// List accumulates errors across a compilation run and renders them with
// deduplicated adjacent context, per §7.
type List struct {
	entries []Entry
	oom     bool
}

// Add appends an error; the out-of-memory condition is tracked separately
// so it can always render last (§7 "rendered last").
func (l *List) Add(kind Kind, ctx Context, line int, format string, args ...interface{}) {
	if kind == KindOutOfMemory {
		l.oom = true
		return
	}
	l.entries = append(l.entries, Entry{Kind: kind, Ctx: ctx, Line: line, Message: fmt.Sprintf(format, args...)})
}

// SetOutOfMemory flags the OOM condition (§7: "the final result is
// discarded" once set; rendering is handled separately by Render).
func (l *List) SetOutOfMemory() { l.oom = true }

func (l *List) OutOfMemory() bool { return l.oom }

// Entries returns every accumulated error, ignoring OOM.
func (l *List) Entries() []Entry { return l.entries }

func (l *List) HasErrors() bool { return len(l.entries) > 0 || l.oom }

// Render writes every accumulated error to w, deduplicating adjacent
// identical context prefixes and rendering the OOM condition last (§7).
func (l *List) Render(w io.Writer) {
	useColor := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	bold := maybeColor(useColor, color.New(color.Bold))
	red := maybeColor(useColor, color.New(color.FgRed))

	var lastCtx Context
	first := true
	for _, e := range l.entries {
		if first || e.Ctx != lastCtx {
			fmt.Fprintln(w, bold.Sprint(contextPrefix(e.Ctx)))
			lastCtx = e.Ctx
			first = false
		}
		fmt.Fprintf(w, "%s, line %d: %s\n", e.Ctx.File, e.Line, red.Sprint(e.Message))
	}
	if l.oom {
		fmt.Fprintln(w, red.Sprint("out of memory"))
	}
}

func contextPrefix(c Context) string {
	var parts []string
	if c.File != "" {
		parts = append(parts, c.File)
	}
	if c.Func != "" {
		parts = append(parts, c.Func)
	}
	if c.Member != "" {
		parts = append(parts, c.Member)
	}
	return strings.Join(parts, ": ")
}

func maybeColor(enabled bool, c *color.Color) *color.Color {
	if !enabled {
		c.DisableColor()
	}
	return c
}
