package smallheap

import (
	"sync"
	"unsafe"
)

// ThreadCache is the per-thread state spec.md §5 requires: bucket heads
// and decommit margins that belong to exactly one goroutine at a time.
// Go has no thread-local storage, and the teacher's bare-metal kernel
// never faces real OS-thread concurrency, so there is no file in the
// pack to transliterate this from; instead of simulating TLS, the spec's
// own suggested shape wins — "a per-thread struct passed explicitly"
// (spec.md §9) — and callers obtain one explicitly via Heap.Acquire.
//
// A ThreadCache must not be used concurrently from two goroutines; the
// allocator does not detect that misuse (same contract the teacher's
// freelists have for same-thread access).
type ThreadCache struct {
	id      uint32
	core    *heapCore
	buckets [Classes]offset
	margins [Classes]decommitMargin

	remoteMu sync.Mutex
	remote   [Classes][]offset
}

// formatPage lays out a freshly committed page as same-class slots and
// makes this cache the page's owner (spec.md §4.3's formatPage,
// grounded on original_source/nemalloc's Commit(): slot 1 starts the
// freelist, because slot 0 is overlapped by the header, and the last
// slot's next-pointer is the Offset 0 sentinel).
func (tc *ThreadCache) formatPage(pageBase uintptr, k int) {
	es := elementSize(k)
	slots := tc.core.pageSize / es

	hdr := headerAt(pageBase)
	hdr.liveCount = 0
	hdr.bucketIndex = uint16(k)
	hdr.setOwner(tc.id)

	if slots < 2 {
		// A class so large relative to the page that only the header
		// slot fits; nothing to free-list. Unreachable with the spec's
		// fixed constants (Unit=8, SmallMax=256 against any real page
		// size) but guarded rather than assumed.
		tc.buckets[k] = endOffset
		return
	}

	base := tc.core.base
	head := offsetOf(base, unsafe.Pointer(pageBase+uintptr(es)))
	node := head
	for i := uint32(1); i < slots-1; i++ {
		next := offset(uintptr(node) + uintptr(es))
		*(*offset)(pointerAt(base, node)) = next
		node = next
	}
	*(*offset)(pointerAt(base, node)) = endOffset

	tc.buckets[k] = head
}

// popSlot removes and returns the head of class k's freelist. The caller
// must already know buckets[k] != endOffset.
func (tc *ThreadCache) popSlot(k int) unsafe.Pointer {
	head := tc.buckets[k]
	p := pointerAt(tc.core.base, head)
	tc.buckets[k] = *(*offset)(p)
	return p
}

// pushSlot prepends ptr onto class k's freelist.
func (tc *ThreadCache) pushSlot(k int, ptr unsafe.Pointer) {
	*(*offset)(ptr) = tc.buckets[k]
	tc.buckets[k] = offsetOf(tc.core.base, ptr)
}

// enqueueRemote records a cross-thread free for this cache to finish the
// next time it allocates from class k (see heap.go's drainRemote and
// Free).
//
// Deliberately records only the offset, not a liveCount decrement or
// margin update: per spec.md §5, a page header is mutated only by its
// owning thread, so those updates happen later, on the owner's own
// goroutine, when an Allocate of class k drains this class's queue —
// not here, on the freeing goroutine.
func (tc *ThreadCache) enqueueRemote(k int, off offset) {
	tc.remoteMu.Lock()
	tc.remote[k] = append(tc.remote[k], off)
	tc.remoteMu.Unlock()
}

// takeRemote atomically removes and returns every pending cross-thread
// free queued for class k.
func (tc *ThreadCache) takeRemote(k int) []offset {
	tc.remoteMu.Lock()
	pending := tc.remote[k]
	tc.remote[k] = nil
	tc.remoteMu.Unlock()
	return pending
}

// unlinkPage removes every slot belonging to pageIndex from class k's
// freelist before the page is handed back to the provider for decommit
// (spec.md §4.6). The original's erasePageIndexFromBucket walks the list
// comparing raw byte addresses against the page's bounds and has a
// flagged off-by-one at the page's last slot; this walks Offset values
// instead and treats the END sentinel as never "in page", which sidesteps
// that class of bug entirely.
func (tc *ThreadCache) unlinkPage(pageIndex uint32, k int) {
	base := tc.core.base
	pageSize := tc.core.pageSize
	pageStart := offset(pageBaseOf(base, pageSize, pageIndex) - base)
	pageEnd := pageStart + offset(pageSize)

	inPage := func(o offset) bool {
		return o != endOffset && o >= pageStart && o < pageEnd
	}

	for inPage(tc.buckets[k]) {
		tc.buckets[k] = *(*offset)(pointerAt(base, tc.buckets[k]))
	}
	if tc.buckets[k] == endOffset {
		return
	}

	node := tc.buckets[k]
	for {
		next := *(*offset)(pointerAt(base, node))
		for inPage(next) {
			next = *(*offset)(pointerAt(base, next))
		}
		*(*offset)(pointerAt(base, node)) = next
		if next == endOffset {
			return
		}
		node = next
	}
}
