package smallheap

import "fmt"

// The teacher's kmalloc (src/mazboot/golang/main/heap.go) sprinkles range
// and loop-count checks directly in the allocation path; this file
// collects the equivalent checks for this allocator under names that say
// what invariant each one guards, per spec.md §7/§8's debug-assert policy.
// Violations here are all API misuse or heap corruption, never ordinary
// exhaustion — those are handled as regular control flow elsewhere.

// assertValidAlignment panics unless align is a power of two.
func assertValidAlignment(align uint32) {
	if !isPowerOfTwo(align) {
		panic(fmt.Sprintf("smallheap: alignment %d is not a power of two", align))
	}
}

// assertDrained panics if a page about to be decommitted still has live
// allocations on it — decommitting a live page would silently corrupt
// whatever the caller is still holding.
func assertDrained(hdr *pageHeader) {
	if hdr.liveCount != 0 {
		panic(fmt.Sprintf("smallheap: attempted to decommit a page with %d live allocations", hdr.liveCount))
	}
}

// assertNotDoubleFree is a best-effort guard against freeing a page whose
// live count is already zero for its class — it cannot catch every
// double-free (that would need per-slot bookkeeping this design
// intentionally avoids, see spec.md §1 Non-goals), but it catches the
// common case of a page that has already fully drained.
func assertNotDoubleFree(hdr *pageHeader, slotsPerPage uint32) {
	if hdr.liveCount == 0 {
		panic("smallheap: free of a slot on an already-drained page (likely double free)")
	}
	if hdr.liveCount > uint16(slotsPerPage) {
		panic("smallheap: page live count exceeds slot capacity (heap corruption)")
	}
}

// assertReserveSize enforces the spec's "RESERVE < 2^32" constraint (the
// offset encoding inside free slots is 32 bits).
func assertReserveSize(bytes uint64) {
	if bytes >= 1<<32 {
		panic("smallheap: reserve size must be < 4 GiB (offsets are 32-bit)")
	}
}
