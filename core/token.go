package core

import "fmt"

// tokenKind enumerates the lexical categories produced by the lexer (§4.1).
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokError
	tokNewline
	tokIndent
	tokDedent
	tokIdent
	tokReserved
	tokIntLit
	tokFloatLit
	tokStrLit
	tokPunct
	tokAnnotation // re-kinded by the lexer/scanner, never seen by the parser (§4.1)
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "EOF"
	case tokError:
		return "error"
	case tokNewline:
		return "newline"
	case tokIndent:
		return "indent"
	case tokDedent:
		return "dedent"
	case tokIdent:
		return "identifier"
	case tokReserved:
		return "reserved word"
	case tokIntLit:
		return "int literal"
	case tokFloatLit:
		return "float literal"
	case tokStrLit:
		return "string literal"
	case tokPunct:
		return "punctuator"
	case tokAnnotation:
		return "annotation"
	default:
		return fmt.Sprintf("tokenKind(%d)", int(k))
	}
}

// token is one lexical unit. payload depends on kind:
//   - tokIdent/tokReserved: sym refers to the interned Symbol
//   - tokIntLit: ival
//   - tokFloatLit: fval
//   - tokStrLit: sval
//   - tokPunct/tokReserved: text holds the exact spelling (round-trip, §8)
type token struct {
	kind tokenKind
	line int
	text string
	sym  *Symbol
	ival int64
	fval float64
	sval string
}

// reservedWords is the fixed set of keywords of the language. Order here
// has no semantic meaning; it exists so every reserved word can be
// round-tripped through the lexer and back to its exact spelling (§8).
var reservedWords = []string{
	"and", "as", "break", "case", "class", "const", "create", "def",
	"elif", "else", "encoding", "end", "except", "finally", "for",
	"if", "import", "in", "interface", "is", "module", "not", "or",
	"private", "raise", "repeat", "return", "switch", "to", "try",
	"until", "var", "while",
	"nil", "true", "false", "default", "self", "super",
}

// punctuators lists every operator the lexer recognizes. matchPunct
// tries every entry and keeps the longest match (maximal munch), so the
// order of this list does not matter.
var punctuators = []string{
	"**=", "not in", "not is",
	"==", "!=", "<=", ">=", "**", "+=", "-=", "*=", "/=", "::",
	"(", ")", "[", "]", "{", "}", ",", ":", ".", "+", "-", "*", "/",
	"<", ">", "=", "<", ">",
}
