package smallheap

// decommitMargin implements the per-thread, per-class hysteresis that
// defers physical page release until a comfortable amount of spare
// capacity has built up in that class, so a tight allocate/free loop at
// a page boundary does not thrash commit/decommit (spec.md §4.4, C5).
//
// Grounded directly on original_source/nemalloc/nemalloc_smallheap.cpp's
// DecommitMargin struct; the three methods below are that struct's
// ReserveDecommit / AddAvailableAndDecommit / SubAvailableAndDecommitCancel,
// renamed to the vocabulary spec.md §4.4 uses.
type decommitMargin struct {
	decommitPool   uint32 // invalidPage if nothing queued
	availableCount uint64
}

func newDecommitMargin() decommitMargin {
	return decommitMargin{decommitPool: invalidPage}
}

// reserveDecommit queues pageIndex for eventual decommit, evicting
// (and physically decommitting immediately) whatever was queued before
// it. At most one page per class per thread is ever deferred.
//
// decommit is a callback rather than a direct provider call so margin.go
// stays free of pageprovider/heapCore details; heap.go supplies it bound
// to the owning ThreadCache's class.
func (m *decommitMargin) reserveDecommit(pageIndex uint32, decommit func(uint32)) {
	if m.decommitPool == pageIndex {
		return
	}
	previous := m.decommitPool
	m.decommitPool = pageIndex
	if previous != invalidPage {
		decommit(previous)
	}
}

// cancelIfReservedOnAlloc accounts for one slot of class k being consumed
// and cancels a queued decommit if the allocation came from the very page
// that was about to be reclaimed (it is no longer drained).
func (m *decommitMargin) cancelIfReservedOnAlloc(pageIndex uint32) {
	m.availableCount--
	if m.decommitPool == pageIndex {
		m.decommitPool = invalidPage
	}
}

// maybeDecommitOnFree accounts for one slot of class k becoming free and,
// once spare capacity crosses the anti-thrash margin (one and a half
// pages' worth of slots), physically decommits whatever page is queued.
func (m *decommitMargin) maybeDecommitOnFree(k int, pageSize uint32, decommit func(uint32)) {
	m.availableCount++
	slotsPerPage := uint64(pageSize / elementSize(k))
	margin := slotsPerPage * 3 / 2
	if m.availableCount < margin {
		return
	}
	if m.decommitPool != invalidPage {
		decommit(m.decommitPool)
		m.decommitPool = invalidPage
	}
}
