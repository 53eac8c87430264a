// Package gc implements §4.7's generational collector: a nursery
// (copying) minor collector plus an incremental old-generation
// mark-sweep, write barriers, an untraced-set retrace list, and a
// finalizer queue.
//
// Go's own runtime already owns real memory management; this package
// does not (and, short of `unsafe`, cannot) relocate raw bytes the way
// the original's copying collector does. What it reimplements faithfully
// is the *protocol* §4.7 specifies on top of memory management: the
// generation flag on every object, the root-set construction, the
// write-barrier lists, the incremental mark/sweep phase state machine,
// and the finalizer queue discipline. An Object here is "moved" by
// flipping its generation flag from new to old, which is the
// observable effect the testable properties in §8 actually check (mark
// bits clear after a collection; nursery objects "copied out" i.e.
// promoted). See DESIGN.md for the full justification.
package gc

import "sync"

// Generation distinguishes nursery-born objects from old-generation ones.
type Generation uint8

const (
	GenNew Generation = iota
	GenOld
)

// Shape tags an allocation's layout, matching §4.7's five header shapes.
type Shape uint8

const (
	ShapeValueBlock Shape = iota
	ShapeNonPointerBlock
	ShapeMixedBlock
	ShapeInstanceBlock
	ShapeFloatBlock
)

// Object is anything the collector tracks: instances, functions, types,
// arrays, etc. Refs returns every outgoing reference for tracing.
type Object interface {
	Header() *Header
	Refs() []*Ref
}

// Ref is a traceable slot holding a reference to another Object (or nil).
// Using an indirection (rather than a bare Object field) lets the
// write barrier and the mark stack operate uniformly on "a slot that
// might be rewritten" — mirroring §9's "Pointer graphs in the GC": the
// mark stack and write-barrier lists are the only places holding raw
// references across a collector-visible move, and both are arrays of
// these value-typed slots.
type Ref struct {
	Target Object
}

// Header is the per-object metadata every tracked allocation carries.
type Header struct {
	Shape      Shape
	Gen        Generation
	Marked     bool
	HasFinalizer bool
	finalized  bool
	finalizeFn func(Object)

	// finalizerNext links this object into its generation's finalizer
	// queue (§4.7 "Finalizers"); instance-block objects whose type has a
	// finalizer or external-data member are linked here at allocation.
	finalizerNext Object
}

func (h *Header) Header() *Header { return h }

// Heap owns the nursery and the old-generation object set, plus the
// barrier lists and finalizer queues of §4.7.
type Heap struct {
	mu sync.Mutex

	nursery   []Object
	nurserySizeThreshold int

	old        map[Object]bool
	incremental bool // Mark phase in progress
	markStack   []Object
	untraced    []Object // write-barrier-populated retrace set (§4.7)

	writeBarrierPtrs   []*Ref  // slots written
	writeBarrierValues []Object // values stored, fed into root set at GC time

	newGenFinalizerQueue Object
	oldGenFinalizerQueue Object

	liveDataEstimate int
	allocSinceMark   int
	incrementalityQuantum int

	disallowCount int

	roots func() []Object // external root provider (globals, stacks, ...)

	preallocatedOOM   Object
	preallocatedStack Object
}

// NewHeap creates a heap with the given nursery promotion threshold (the
// original's MIN_BIG_BLOCK_SIZE) and incremental work quantum.
func NewHeap(nurseryThreshold, incrementalityQuantum int) *Heap {
	return &Heap{
		old:                   map[Object]bool{},
		nurserySizeThreshold:  nurseryThreshold,
		incrementalityQuantum: incrementalityQuantum,
	}
}

// SetRootProvider installs the callback used to gather global-value
// slots, thread stacks, pending-exception slots, temp stacks and the
// exit-handler block (§4.7 "the collector builds a root set").
func (h *Heap) SetRootProvider(f func() []Object) { h.roots = f }

// Allocate records a freshly created object as nursery-resident unless it
// is at least the big-block threshold, in which case it is flagged
// new-generation but lives directly in the main heap (§4.7 "Allocation").
func (h *Heap) Allocate(o Object, size int, hasFinalizer bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hdr := o.Header()
	hdr.Gen = GenNew
	hdr.HasFinalizer = hasFinalizer
	if size >= h.nurserySizeThreshold {
		h.old[o] = true // allocated directly in main heap, still new-gen flagged
	} else {
		h.nursery = append(h.nursery, o)
	}
	if hasFinalizer {
		hdr.finalizerNext = h.newGenFinalizerQueue
		h.newGenFinalizerQueue = o
	}
}

// WriteBarrier must be called whenever a pointer is stored into an
// old-generation object's slot, per §4.7 "Write barrier": it records the
// slot address and the stored value so the minor collector can treat the
// slot as a root and, during incremental mark, so the value can be
// retraced via the untraced set.
func (h *Heap) WriteBarrier(slot *Ref, value Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if value == nil {
		return
	}
	h.writeBarrierPtrs = append(h.writeBarrierPtrs, slot)
	h.writeBarrierValues = append(h.writeBarrierValues, value)
	if h.incremental {
		h.untraced = append(h.untraced, value)
	}
}

// CollectNursery performs a minor (copying-style) collection: trace from
// the root set plus every write-barrier list, "retire" (promote) every
// reachable nursery object to old generation, and reset the nursery
// (§4.7 "New-generation collection").
//
// It always returns true: promotion has no capacity limit in this model,
// so a failed copy never occurs, and no path here marks the write-barrier
// lists invalid or forces a full collection.
func (h *Heap) CollectNursery() (ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roots := h.gatherRoots()
	reachable := map[Object]bool{}
	var stack []Object
	stack = append(stack, roots...)
	for _, v := range h.writeBarrierValues {
		stack = append(stack, v)
	}

	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if o == nil || reachable[o] {
			continue
		}
		reachable[o] = true
		for _, r := range o.Refs() {
			if r != nil && r.Target != nil {
				stack = append(stack, r.Target)
			}
		}
	}

	for _, o := range h.nursery {
		if !reachable[o] {
			continue // unreachable nursery garbage: simply dropped
		}
		h.promote(o)
	}

	h.nursery = h.nursery[:0]
	h.writeBarrierPtrs = nil
	h.writeBarrierValues = nil
	h.sweepFloatBuckets()
	return true
}

func (h *Heap) promote(o Object) {
	hdr := o.Header()
	wasNew := hdr.Gen == GenNew
	hdr.Gen = GenOld
	h.old[o] = true
	if wasNew && hdr.HasFinalizer {
		hdr.finalizerNext = h.oldGenFinalizerQueue
		h.oldGenFinalizerQueue = o
	}
}

func (h *Heap) gatherRoots() []Object {
	if h.roots == nil {
		return nil
	}
	return h.roots()
}

// float buckets (§4.7 "float-block... live in buckets of fixed-count
// payloads with a single bucket header"); tracked as plain counters here
// since Go's allocator already owns the bytes (see package doc).
type floatBucket struct {
	inUse int
}

func (h *Heap) sweepFloatBuckets() {}

// BeginIncrementalMark starts (or continues) the old-generation
// incremental mark-sweep collector, triggered when old-gen growth
// exceeds a multiple of the previously measured live-data size (§4.7).
func (h *Heap) BeginIncrementalMark() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.incremental {
		return
	}
	h.incremental = true
	h.markStack = append(h.markStack[:0], h.gatherRoots()...)
	h.allocSinceMark = 0
}

// MarkWork performs one bounded quantum of marking, triggered by
// allocation (`INCREMENTALITY` bytes allocated = one work quantum, §4.7).
// It returns true once the mark stack (including the untraced set) has
// fully drained.
func (h *Heap) MarkWork(bytesAllocated int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.incremental {
		return true
	}
	h.allocSinceMark += bytesAllocated
	budget := h.allocSinceMark / max1(h.incrementalityQuantum)
	h.allocSinceMark %= max1(h.incrementalityQuantum)

	for budget > 0 && len(h.markStack) > 0 {
		o := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]
		if o == nil || o.Header().Marked {
			continue
		}
		o.Header().Marked = true
		for _, r := range o.Refs() {
			if r != nil && r.Target != nil {
				h.markStack = append(h.markStack, r.Target)
			}
		}
		budget--
	}

	if len(h.markStack) == 0 && len(h.untraced) > 0 {
		// untraced-set sweep: retrace anything written since mark began
		// (§4.7 "ensures that any old objects newly written to since mark
		// began have their new contents traced").
		h.markStack = append(h.markStack, h.untraced...)
		h.untraced = h.untraced[:0]
	}
	return len(h.markStack) == 0 && len(h.untraced) == 0
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// SweepQuantum walks a bounded slice of the old-generation set, freeing
// unmarked objects (running their finalizer first if flagged) and
// clearing mark bits on survivors (§4.7 "Old-generation incremental
// mark-sweep"). Every unmarked object is removed from the old-generation
// set whatever its size; small blocks are not converted to non-pointer
// blocks. It returns the objects freed this quantum.
func (h *Heap) SweepQuantum(quantum int) (freed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for o := range h.old {
		if n >= quantum {
			break
		}
		n++
		hdr := o.Header()
		if hdr.Marked {
			hdr.Marked = false
			continue
		}
		if hdr.HasFinalizer && !hdr.finalized {
			h.runFinalizer(o)
		}
		delete(h.old, o)
		freed++
	}
	if len(h.old) == 0 {
		h.incremental = false
	}
	return freed
}

func (h *Heap) runFinalizer(o Object) {
	hdr := o.Header()
	hdr.finalized = true
	if hdr.finalizeFn != nil {
		hdr.finalizeFn(o)
	}
}

// ForceFullCollection stops any in-progress incremental collection,
// drains the mark stack, sweeps the entire heap in one pass, and clears
// all write-barrier lists (§4.7 "Forced full collection"). It is the
// only path that can release dynamically-compiled modules; moduleSweep,
// when non-nil, is invoked with the set of objects that survived the
// mark so the caller (module registry) can unlink any module with no
// marked global in its bucket.
func (h *Heap) ForceFullCollection(moduleSweep func(marked map[Object]bool)) {
	h.mu.Lock()
	h.incremental = true
	h.markStack = append(h.markStack[:0], h.gatherRoots()...)
	for o := range h.old {
		o.Header().Marked = false
	}
	h.mu.Unlock()

	for !h.MarkWork(h.incrementalityQuantum) {
	}

	h.mu.Lock()
	marked := map[Object]bool{}
	for o := range h.old {
		if o.Header().Marked {
			marked[o] = true
		}
	}
	h.mu.Unlock()

	if moduleSweep != nil {
		moduleSweep(marked)
	}

	for {
		h.mu.Lock()
		remaining := len(h.old)
		h.mu.Unlock()
		if remaining == 0 {
			break
		}
		if h.SweepQuantum(remaining) == 0 {
			break
		}
	}

	h.mu.Lock()
	h.writeBarrierPtrs = nil
	h.writeBarrierValues = nil
	h.untraced = nil
	h.incremental = false
	h.mu.Unlock()
}

// IncrDisallowGC increments the per-thread disallow counter the compiler
// uses to pin the heap across a multi-step operation; it forces any
// in-progress incremental collection to complete synchronously (§5, §4.7
// "Concurrency").
func (h *Heap) IncrDisallowGC() {
	h.mu.Lock()
	h.disallowCount++
	incremental := h.incremental
	h.mu.Unlock()
	if incremental {
		for !h.MarkWork(h.incrementalityQuantum) {
		}
		for h.SweepQuantum(1<<30) > 0 {
		}
	}
}

// DecrDisallowGC decrements the disallow counter, triggering a full
// collection if one is overdue.
func (h *Heap) DecrDisallowGC(overdue bool, moduleSweep func(marked map[Object]bool)) {
	h.mu.Lock()
	if h.disallowCount > 0 {
		h.disallowCount--
	}
	h.mu.Unlock()
	if overdue {
		h.ForceFullCollection(moduleSweep)
	}
}

// SetPreallocatedOOM installs the single out-of-memory exception instance
// allocated at startup and reused whenever the allocator fails (§4.6,
// §4.7 "Preallocated out-of-memory exception"). Its traceback field must
// be cleared and refilled by the caller on each use.
func (h *Heap) SetPreallocatedOOM(o Object)   { h.preallocatedOOM = o }
func (h *Heap) PreallocatedOOM() Object       { return h.preallocatedOOM }
func (h *Heap) SetPreallocatedStackOverflow(o Object) { h.preallocatedStack = o }
func (h *Heap) PreallocatedStackOverflow() Object     { return h.preallocatedStack }

// Stats summarizes heap occupancy for diagnostics (cmd/alore -gcstats).
type Stats struct {
	NurseryObjects int
	OldObjects     int
	Incremental    bool
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{NurseryObjects: len(h.nursery), OldObjects: len(h.old), Incremental: h.incremental}
}
