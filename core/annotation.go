package core

// elideAnnotations re-kinds tokens that form a type annotation introduced
// by "as" ("as <expr>" or "as < ... >") to tokAnnotation, so the parser
// never sees their content while their source positions survive for error
// messages (§4.1 "Annotation elision"). A bare "< ... >" generic parameter
// list with no preceding "as" is not re-kinded here. It mutates toks in
// place and returns the count of tokens re-kinded.
//
// This is intentionally a token-range scan, not a parse. ScanModule calls
// it before the scanner's exposed-variable pass (§4.3), so that pass sees
// the elided stream and an identifier inside an annotation never marks a
// local as exposed. Re-kinding must not alter token count or line numbers.
func elideAnnotations(toks []token) int {
	n := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokReserved && t.text == "as" {
			end := annotationExtent(toks, i+1)
			for j := i; j < end; j++ {
				toks[j].kind = tokAnnotation
			}
			n += end - i
			i = end - 1
			continue
		}
	}
	return n
}

// annotationExtent returns the index just past the annotation that begins
// at toks[start]: either a single-line expression (up to the next
// newline/comma/`=`/`)`/`end` at the same nesting depth) or a bracketed
// "< ... >" run.
func annotationExtent(toks []token, start int) int {
	if start >= len(toks) {
		return start
	}
	if toks[start].kind == tokPunct && toks[start].text == "<" {
		depth := 0
		i := start
		for i < len(toks) {
			if toks[i].kind == tokPunct && toks[i].text == "<" {
				depth++
			}
			if toks[i].kind == tokPunct && toks[i].text == ">" {
				depth--
				if depth == 0 {
					return i + 1
				}
			}
			i++
		}
		return i
	}
	depth := 0
	i := start
	for i < len(toks) {
		t := toks[i]
		if t.kind == tokNewline && depth == 0 {
			return i
		}
		if t.kind == tokPunct {
			switch t.text {
			case "(", "[":
				depth++
			case ")", "]":
				if depth == 0 {
					return i
				}
				depth--
			case ",", "=":
				if depth == 0 {
					return i
				}
			}
		}
		if t.kind == tokReserved && depth == 0 && (t.text == "end" || t.text == "do") {
			return i
		}
		i++
	}
	return i
}

// genericParamExtent returns the index just past a "< ... >" generic
// parameter list attached to a definition or call header at toks[start],
// or start unchanged if none is present. Kept separate from
// annotationExtent's bracketed case because generics may appear without a
// preceding "as" (§4.1).
func genericParamExtent(toks []token, start int) int {
	if start >= len(toks) || toks[start].kind != tokPunct || toks[start].text != "<" {
		return start
	}
	return annotationExtent(toks, start)
}
