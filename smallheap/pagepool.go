package smallheap

import "sync"

// pagePool manages the set of currently-uncommitted page indices within
// the reservation as a fixed-capacity stack, guarded by a single mutex
// (spec.md §4.2, C2). Grounded on original_source/nemalloc's
// pageIndexPool/poolHead (nemalloc_smallheap.cpp) and on the teacher's
// freePages singly-linked list (src/mazboot/golang/main/page.go), re-cast
// as the array+cursor the spec specifies.
//
// head uses the same underflow-as-empty trick as the original: popping
// the last entry decrements head past zero, wrapping a uint32 to
// invalidPage, which doubles as "the pool is empty."
type pagePool struct {
	mu   sync.Mutex
	pool []uint32
	head uint32
}

// newPagePool creates a pool holding every page index in [0, pages).
func newPagePool(pages uint32) *pagePool {
	p := &pagePool{pool: make([]uint32, pages)}
	for i := range p.pool {
		p.pool[i] = uint32(i)
	}
	if pages == 0 {
		p.head = invalidPage
	} else {
		p.head = pages - 1
	}
	return p
}

// pop removes and returns one page index, or ok=false if the pool is
// exhausted. O(1), serialized across all threads.
func (p *pagePool) pop() (pageIndex uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head == invalidPage {
		return 0, false
	}
	pageIndex = p.pool[p.head]
	p.pool[p.head] = invalidPage
	p.head--
	return pageIndex, true
}

// push returns a page index to the pool. The caller must have already
// decommitted the page; the pool never holds a page still formatted for
// a size class.
func (p *pagePool) push(pageIndex uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.head++
	if p.pool[p.head] != invalidPage {
		panic("smallheap: page pool corruption: pushing onto a live slot")
	}
	p.pool[p.head] = pageIndex
}
