package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Round-trip (§8 universal property): tokenizing the string form of every
// reserved word and re-emitting its display form is an identity.
func TestReservedWordRoundTrip(t *testing.T) {
	for _, word := range reservedWords {
		t.Run(word, func(t *testing.T) {
			lx := NewLexer(NewSymbolTable())
			lx.Feed([]byte(word + "\n"))
			toks := lx.Tokens()
			require.NotEmpty(t, toks)
			require.Equal(t, tokReserved, toks[0].kind)
			assert.Equal(t, word, DisplayForm(toks[0].text))
		})
	}
}

// Same property for every single-spelling punctuator. The two
// whitespace-joined entries ("not in", "not is") are excluded: "not" is
// also a reserved word and the lexer's identifier scan always claims it
// first, so those two multi-word entries are never actually produced as
// a single punctuator token by this lexer.
func TestPunctuatorRoundTrip(t *testing.T) {
	for _, p := range punctuators {
		if p == "not in" || p == "not is" {
			continue
		}
		t.Run(fmt.Sprintf("%q", p), func(t *testing.T) {
			lx := NewLexer(NewSymbolTable())
			lx.Feed([]byte(p + "\n"))
			toks := lx.Tokens()
			require.NotEmpty(t, toks)
			require.Equal(t, tokPunct, toks[0].kind)
			assert.Equal(t, p, DisplayForm(toks[0].text))
		})
	}
}

func TestIdentifierVsReservedWord(t *testing.T) {
	lx := NewLexer(NewSymbolTable())
	lx.Feed([]byte("helloWorld\n"))
	toks := lx.Tokens()
	require.NotEmpty(t, toks)
	assert.Equal(t, tokIdent, toks[0].kind)
	assert.Equal(t, "helloWorld", toks[0].text)
}
