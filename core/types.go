package core

import "fmt"

// Member ids are process-wide dense integers; 0-2 are reserved (§3).
const (
	MemberNone uint32 = iota
	MemberInitializer
	MemberFinalizer
	firstUserMemberID
)

// accessorFlag marks a member-table entry as referring to a getter/setter
// rather than a plain slot, mirroring the original's A_VAR_METHOD high bit
// (original_source/class.h) rather than a separate boolean field, so that
// the "accessor precedes slot" shadowing rule in §4.5 is a single
// comparison.
const accessorFlag = uint32(1) << 31

// MemberIDTable assigns a dense integer to each unique member name on
// first reference (§3).
type MemberIDTable struct {
	syms *SymbolTable
	ids  map[*Symbol]uint32
	next uint32
}

func NewMemberIDTable(syms *SymbolTable) *MemberIDTable {
	return &MemberIDTable{syms: syms, ids: map[*Symbol]uint32{}, next: firstUserMemberID}
}

// IDFor returns the member id for name, assigning a fresh one on first use.
func (t *MemberIDTable) IDFor(name string) uint32 {
	sym := t.syms.Intern(name)
	if id, ok := t.ids[sym]; ok {
		return id
	}
	id := t.next
	t.next++
	t.ids[sym] = id
	return id
}

// partitionKind names the six member hash tables of §3/§4.5.
type partitionKind int

const (
	partMethodPublic partitionKind = iota
	partMethodPrivate
	partVarGetPublic
	partVarGetPrivate
	partVarSetPublic
	partVarSetPrivate
	numPartitions
)

func (p partitionKind) isMethod() bool { return p == partMethodPublic || p == partMethodPrivate }
func (p partitionKind) isGet() bool    { return p == partVarGetPublic || p == partVarGetPrivate }
func (p partitionKind) isSet() bool    { return p == partVarSetPublic || p == partVarSetPrivate }
func (p partitionKind) isPrivate() bool {
	return p == partMethodPrivate || p == partVarGetPrivate || p == partVarSetPrivate
}

// memberEntry is one slot in a member hash table: either a home-slot
// occupant or a chained overflow entry (§4.5 invariant 2).
type memberEntry struct {
	key   uint32 // member id, with accessorFlag possibly OR'd in
	value uint32 // global slot index (method/accessor) or var slot index
	next  *memberEntry
}

// memberTable is one partition's hash table, sized to the smallest power
// of two >= its entry count (§4.5).
type memberTable struct {
	buckets []*memberEntry
	count   int
}

func newMemberTable() *memberTable {
	return &memberTable{buckets: make([]*memberEntry, 1)}
}

func (m *memberTable) bucketFor(key uint32) int {
	return int(key & uint32(len(m.buckets)-1))
}

// insert adds an entry, growing to maintain the smallest-power-of-two
// invariant and preserving the "accessor precedes slot" chain order
// (§4.5) within a bucket.
func (m *memberTable) insert(key, value uint32, accessor bool) {
	if m.count+1 > len(m.buckets) {
		m.resize(nextPow2(m.count + 1))
	}
	e := &memberEntry{key: key, value: value}
	b := m.bucketFor(key)
	if accessor {
		// accessors are inserted at the head so they shadow slot entries
		// already chained for the same key.
		e.next = m.buckets[b]
		m.buckets[b] = e
	} else {
		if m.buckets[b] == nil {
			m.buckets[b] = e
		} else {
			tail := m.buckets[b]
			for tail.next != nil {
				tail = tail.next
			}
			tail.next = e
		}
	}
	m.count++
}

func (m *memberTable) resize(newSize int) {
	old := m.buckets
	m.buckets = make([]*memberEntry, newSize)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			e.next = nil
			b := m.bucketFor(e.key)
			if m.buckets[b] == nil {
				m.buckets[b] = e
			} else {
				tail := m.buckets[b]
				for tail.next != nil {
					tail = tail.next
				}
				tail.next = e
			}
			e = next
		}
	}
}

// lookup finds the entry for key within this table only (no supertype
// walk); accessor entries are chained ahead of slot entries so the first
// match already respects the shadowing rule (§4.5).
func (m *memberTable) lookup(key uint32) (*memberEntry, bool) {
	for e := m.buckets[m.bucketFor(key)]; e != nil; e = e.next {
		if e.key == key {
			return e, true
		}
	}
	return nil, false
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// supertypeRef is a Type's reference to its superclass: either resolved
// or still pending the deferred-resolution pass between compiler passes
// 1 and 2 (§4.4, §9 "Cyclic/back references"). Representing it this way
// (rather than a direct *Type pointer) lets the scanner record a forward
// reference before its target Type even exists in the arena.
type supertypeRef struct {
	resolved bool
	typeIdx  TypeIndex // valid when resolved
	name     string    // dotted name, valid when unresolved
	imports  []string  // active-import context at the reference site
}

// TypeIndex indexes into a TypeArena. Representing supertype/interface
// references as indices rather than borrowed pointers (per §9) lets the
// arena be the sole owner and keeps resolution a simple slice lookup even
// while Types are still being constructed.
type TypeIndex int

// Type is §3's Type record: an unmovable heap record owning six member
// hash tables, plus inheritance, interface, and layout metadata.
type Type struct {
	name    string
	parts   [numPartitions]*memberTable
	super   supertypeRef
	hasSuper bool

	interfaces []TypeIndex

	numVars      int
	totalNumVars int

	ctorGlobal   int // global slot of the class constructor, -1 if none, -2 if a synthetic one is needed (none is built)
	memberInitGlobal int // global slot of the member-initializer, -1 if none

	isInterface       bool
	inheritsFinalizer bool

	externalDataSlot int // -1 if none (§3 Instance)
	dataSize         int
	dataOffset       int

	superResolved bool
}

// NewType allocates an empty Type (§4.3 "create an empty Type").
func NewType(name string, isInterface bool) *Type {
	t := &Type{
		name:             name,
		isInterface:      isInterface,
		ctorGlobal:       -1,
		memberInitGlobal: -1,
		externalDataSlot: -1,
	}
	for i := range t.parts {
		t.parts[i] = newMemberTable()
	}
	return t
}

// TypeArena owns every Type created during a compilation run, indexed by
// TypeIndex so that forward (unresolved) supertype references can name a
// Type before — or even without — holding a Go pointer to it (§9).
type TypeArena struct {
	types []*Type
}

func NewTypeArena() *TypeArena { return &TypeArena{} }

func (a *TypeArena) New(name string, isInterface bool) (TypeIndex, *Type) {
	t := NewType(name, isInterface)
	a.types = append(a.types, t)
	return TypeIndex(len(a.types) - 1), t
}

func (a *TypeArena) At(idx TypeIndex) *Type { return a.types[idx] }

func (a *TypeArena) Super(idx TypeIndex) (TypeIndex, bool) {
	t := a.types[idx]
	if !t.hasSuper || !t.super.resolved {
		return 0, false
	}
	return t.super.typeIdx, true
}

// AddMember inserts a member into the named partition (§4.3 scanner pass,
// §4.5 finalization). accessor flags getter/setter entries.
func (t *Type) AddMember(part partitionKind, memberID uint32, slot uint32, accessor bool) {
	key := memberID
	if accessor {
		key |= accessorFlag
	}
	t.parts[part].insert(key, slot, accessor)
	if part.isGet() {
		// member variables (non-accessor) consume a declared slot; each
		// is entered in both the get and set tables, so count it once.
		if !accessor {
			t.numVars++
		}
	}
}

// Lookup walks from this type up through resolved supertypes, consulting
// tables[0] then tables[1] (so callers can pass e.g. {public} or
// {public, private} depending on whether lookup originates inside the
// class body), returning the first match (§4.5 "Lookup").
func (a *TypeArena) Lookup(idx TypeIndex, parts []partitionKind, memberID uint32) (uint32, bool) {
	cur := idx
	for {
		t := a.types[cur]
		for _, p := range parts {
			if e, ok := t.parts[p].lookup(memberID | accessorFlag); ok {
				return e.value, true
			}
			if e, ok := t.parts[p].lookup(memberID); ok {
				return e.value, true
			}
		}
		next, ok := a.Super(cur)
		if !ok {
			return 0, false
		}
		cur = next
	}
}

// UpdateTotalNumVars enforces invariant 1 of §3:
// totalNumVars(T) == numVars(T) + totalNumVars(super(T)).
func (a *TypeArena) UpdateTotalNumVars(idx TypeIndex) {
	t := a.types[idx]
	if superIdx, ok := a.Super(idx); ok {
		a.UpdateTotalNumVars(superIdx)
		t.totalNumVars = t.numVars + a.types[superIdx].totalNumVars
	} else {
		t.totalNumVars = t.numVars
	}
}

// ResolveSuper installs a resolved supertype reference after a cycle
// check, per §4.4 "Superclass reference resolution" and §3 invariant 4.
func (a *TypeArena) ResolveSuper(idx, superIdx TypeIndex) error {
	if a.introducesCycle(idx, superIdx) {
		return fmt.Errorf("cycle in supertype hierarchy")
	}
	t := a.types[idx]
	t.hasSuper = true
	t.super = supertypeRef{resolved: true, typeIdx: superIdx}
	t.superResolved = true
	return nil
}

func (a *TypeArena) introducesCycle(idx, superIdx TypeIndex) bool {
	seen := map[TypeIndex]bool{idx: true}
	cur := superIdx
	for {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		next, ok := a.Super(cur)
		if !ok {
			return false
		}
		cur = next
	}
}

// VerifyInterface checks that classIdx satisfies every member declared by
// ifaceIdx or its super-interfaces (§4.5 "Interface verification"). When
// directFirstLevel is true (classIdx directly implements ifaceIdx), a
// partition-kind mismatch already caught while defining the member is not
// re-reported (§4.5 "relaxed to avoid double-reporting").
func (a *TypeArena) VerifyInterface(classIdx, ifaceIdx TypeIndex, directFirstLevel bool) []error {
	var errs []error
	iface := a.types[ifaceIdx]
	for p := partitionKind(0); p < numPartitions; p++ {
		if p.isPrivate() {
			continue // §3 invariant 5: interfaces declare no private members
		}
		for _, key := range iface.parts[p].allKeys() {
			memberID := key &^ accessorFlag
			accessor := key&accessorFlag != 0
			_, foundSame := a.Lookup(classIdx, []partitionKind{p}, memberID)
			if foundSame {
				continue
			}
			if directFirstLevel {
				if _, foundOther := a.lookupAnyPartition(classIdx, memberID); foundOther {
					continue // mismatch already reported at definition time
				}
			}
			errs = append(errs, fmt.Errorf("interface %s not implemented: missing %s %d (accessor=%v)",
				iface.name, partitionLabel(p), memberID, accessor))
		}
	}
	return errs
}

func partitionLabel(p partitionKind) string {
	switch p {
	case partMethodPublic, partMethodPrivate:
		return "method"
	case partVarGetPublic, partVarGetPrivate:
		return "getter"
	case partVarSetPublic, partVarSetPrivate:
		return "setter"
	default:
		return "member"
	}
}

func (a *TypeArena) lookupAnyPartition(idx TypeIndex, memberID uint32) (uint32, bool) {
	for p := partitionKind(0); p < numPartitions; p++ {
		if v, ok := a.Lookup(idx, []partitionKind{p}, memberID); ok {
			return v, true
		}
	}
	return 0, false
}

func (m *memberTable) allKeys() []uint32 {
	var keys []uint32
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			keys = append(keys, e.key)
		}
	}
	return keys
}
