// Package smallheap implements a segregated-fit, slab-style allocator for
// small, frequently churned allocations, backed by a single reserved
// virtual-address range whose pages are committed and decommitted on
// demand. It is the "small-object heap" (SH) of the allocator: a thin
// facade (Heap) routes requests at or below a size ceiling into this
// engine and everything larger through largepath.
//
// Grounded on original_source/nemalloc/nemalloc_smallheap.cpp, generalized
// from a single-process C++ global into an explicit Go type, and on the
// page/heap management style of the iansmith-mazarin kernel (freelists of
// fixed-size slots threaded through the memory they describe).
package smallheap

import "fmt"

const (
	// Unit is the smallest size class and the granularity every class is
	// a multiple of.
	Unit = 8
	// SmallMax is the largest size routed into the small-object heap;
	// anything bigger falls through to the large path.
	SmallMax = 256
	// Classes is the number of size classes, class k holding slots of
	// size (k+1)*Unit.
	Classes = SmallMax / Unit

	// invalidPage is the sentinel page index meaning "no page" (used by
	// both the page pool's padding and the decommit margin's queue slot).
	invalidPage = ^uint32(0)

	// endOffset terminates a freelist. Safe as a sentinel because offset
	// 0 is inside page 0's header and can never be a live slot (spec.md
	// §3, §9.4): the header occupies the first Unit bytes of every
	// committed page, so no slot — in any class, on any page — ever
	// starts at heap-relative offset 0.
	endOffset offset = 0
)

func init() {
	if !isPowerOfTwo(Unit) {
		panic("smallheap: Unit must be a power of two")
	}
	if !isPowerOfTwo(SmallMax) {
		panic("smallheap: SmallMax must be a power of two")
	}
	if SmallMax%Unit != 0 {
		panic("smallheap: SmallMax must be a multiple of Unit")
	}
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// offset is a byte distance from the heap base, as spec.md §3 defines it:
// a 32-bit offset encoded inside a free slot naming the next free slot.
type offset uint32

// classOf returns the size class for a request already rounded up to a
// Unit multiple and known to be <= SmallMax.
func classOf(size uint32) int {
	return int((size-1)/Unit)
}

// elementSize returns the slot size in bytes for class k.
func elementSize(k int) uint32 {
	return uint32(k+1) * Unit
}

func alignUp(size, align uint32) uint32 {
	return (size + align - 1) &^ (align - 1)
}

// validateClass panics if k is not a valid class index. The allocate and
// free paths do not call it; class indices there come from classOf and
// from page headers unchecked.
func validateClass(k int) {
	if k < 0 || k >= Classes {
		panic(fmt.Sprintf("smallheap: invalid size class %d", k))
	}
}
