package core

// This file implements §3's Symbol/SymbolInfo data model and §4.2's
// interning and scope-chain behavior, grounded on the teacher's own
// scope/symbol split (yaegi's interp/scope.go, interp/symbol.go: a
// package-level symbol table keyed by name, with per-scope overlays).

// symbolInfoKind is the meaning a SymbolInfo can carry (§3).
type symbolInfoKind int

const (
	kindReservedWord symbolInfoKind = iota
	kindMember
	kindGlobalModule
	kindGlobalModuleSub
	kindGlobalDef
	kindGlobalClass
	kindGlobalInterface
	kindGlobalConst
	kindGlobal
	kindLocalConst
	kindLocalConstExposed
	kindLocalExposed
	kindLocal
	kindErrParse
	kindErrUndefined
)

// globalPayload carries kind-specific data for global meanings (§3).
type globalPayload struct {
	isPrivate bool
	minArgs   int
	maxArgs   int
}

// modulePayload carries kind-specific data for module meanings (§3, §4.2).
type modulePayload struct {
	isActive     bool
	isImported   bool
	cModuleState cModuleState
}

type cModuleState int

const (
	cModuleNone cModuleState = iota
	cModuleAutoImport
	cModuleActive
	cModuleIndexed
)

// memberPayload packs a member reference: the member id and the
// A_VAR_METHOD-style accessor flag (§4.5, original_source/class.h).
type memberPayload struct {
	memberID uint32
	accessor bool
}

// SymbolInfo is one meaning of a Symbol (§3). Meanings for the same
// Symbol form a singly linked list through `next`, newest first and
// ending in nil; the list is not circular. Locals are pushed and popped
// at its head in strict LIFO scope order.
type SymbolInfo struct {
	kind symbolInfoKind
	sym  *Symbol

	// next links to the previous meaning of the same Symbol, or is nil
	// for its oldest meaning. Locals of different symbols are not linked
	// to each other.
	next *SymbolInfo

	slot       int // global index, local frame slot, or member id
	blockDepth int // for locals: the lexical block depth at definition

	enclosingModule *Symbol // for globals: owning module symbol

	global *globalPayload
	module *modulePayload
	member *memberPayload
}

// IsExposed reports whether this local meaning was marked by the scanner's
// exposed-variable pass (§4.3) and must be cell-allocated (§4.4, §8 case 5).
func (si *SymbolInfo) IsExposed() bool {
	return si.kind == kindLocalExposed || si.kind == kindLocalConstExposed
}

// Symbol is an interned identifier spelling with its list of meanings (§3).
type Symbol struct {
	name     string
	meanings *SymbolInfo // most-recently pushed meaning, or nil
}

func (s *Symbol) Name() string { return s.name }

// pushLocal adds a new local meaning in front of any existing one for this
// symbol, forming the scope chain described in §4.2.
func (s *Symbol) pushLocal(kind symbolInfoKind, slot, blockDepth int) *SymbolInfo {
	si := &SymbolInfo{kind: kind, sym: s, slot: slot, blockDepth: blockDepth, next: s.meanings}
	s.meanings = si
	return si
}

// popTo removes all local meanings at or above minDepth, restoring
// whatever meaning (if any) the symbol had before they were pushed. This
// implements "leaving a scope" from §4.2.
func (s *Symbol) popTo(minDepth int) {
	for s.meanings != nil && isLocalKind(s.meanings.kind) && s.meanings.blockDepth >= minDepth {
		s.meanings = s.meanings.next
	}
}

func isLocalKind(k symbolInfoKind) bool {
	switch k {
	case kindLocal, kindLocalConst, kindLocalExposed, kindLocalConstExposed:
		return true
	default:
		return false
	}
}

// current returns the innermost visible meaning of the symbol, or nil.
func (s *Symbol) current() *SymbolInfo { return s.meanings }

// SymbolTable interns identifiers by exact byte content, hashed into a
// power-of-two chained table that doubles at load factor 1.0 (§4.2).
type SymbolTable struct {
	buckets []*symtabEntry
	count   int
}

type symtabEntry struct {
	sym  *Symbol
	next *symtabEntry
}

const symtabInitialSize = 16

// NewSymbolTable returns an empty interning table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{buckets: make([]*symtabEntry, symtabInitialSize)}
}

// Intern returns the unique Symbol for name, creating it on first use.
func (t *SymbolTable) Intern(name string) *Symbol {
	h := fnv32(name) & uint32(len(t.buckets)-1)
	for e := t.buckets[h]; e != nil; e = e.next {
		if e.sym.name == name {
			return e.sym
		}
	}
	if t.count+1 > len(t.buckets) {
		t.grow()
		h = fnv32(name) & uint32(len(t.buckets)-1)
	}
	sym := &Symbol{name: name}
	t.buckets[h] = &symtabEntry{sym: sym, next: t.buckets[h]}
	t.count++
	return sym
}

// Lookup returns the Symbol for name if it has already been interned.
func (t *SymbolTable) Lookup(name string) (*Symbol, bool) {
	h := fnv32(name) & uint32(len(t.buckets)-1)
	for e := t.buckets[h]; e != nil; e = e.next {
		if e.sym.name == name {
			return e.sym, true
		}
	}
	return nil, false
}

func (t *SymbolTable) grow() {
	old := t.buckets
	t.buckets = make([]*symtabEntry, len(old)*2)
	mask := uint32(len(t.buckets) - 1)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			h := fnv32(e.sym.name) & mask
			e.next = t.buckets[h]
			t.buckets[h] = e
			e = next
		}
	}
}

// fnv32 is an unexceptional string hash; the table's collision behavior
// (chaining, power-of-two sizing) is the part the spec actually
// constrains (§4.2), not the hash function itself.
func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// ModuleSymbol returns (creating as needed) the chain of symbols for a
// dotted module name, linking each non-root component's module meaning to
// its parent's, per §4.2 "Module meanings nest".
func (t *SymbolTable) ModuleSymbol(parts []string) *Symbol {
	var parentMeaning *SymbolInfo
	var sym *Symbol
	for _, p := range parts {
		sym = t.Intern(p)
		mi := findModuleMeaning(sym, parentMeaning)
		if mi == nil {
			mi = sym.pushLocal(kindGlobalModule, 0, 0)
			mi.module = &modulePayload{}
			if parentMeaning != nil {
				mi.enclosingModule = parentMeaning.sym
			}
		}
		parentMeaning = mi
	}
	return sym
}

func findModuleMeaning(sym *Symbol, parent *SymbolInfo) *SymbolInfo {
	for si := sym.meanings; si != nil; si = si.next {
		if si.module == nil {
			continue
		}
		if parent == nil && si.enclosingModule == nil {
			return si
		}
		if parent != nil && si.enclosingModule == parent.sym {
			return si
		}
	}
	return nil
}
