package smallheap

import (
	"testing"
	"unsafe"

	"github.com/iansmith/smallheap/pageprovider"
)

func newTestHeap(t *testing.T, reserveBytes uint64) (*Heap, *pageprovider.Simulated) {
	t.Helper()
	sim := pageprovider.NewSimulated(4096)
	h, err := New(Config{ReserveBytes: reserveBytes, Provider: sim})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h, sim
}

func TestAllocateReturnsAlignedDistinctPointers(t *testing.T) {
	h, _ := newTestHeap(t, 4096*8)
	tc := h.Acquire()

	seen := make(map[uintptr]bool)
	for i := 0; i < 50; i++ {
		p, err := h.Allocate(tc, 24, 16)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		addr := uintptr(p)
		if addr%16 != 0 {
			t.Fatalf("pointer %#x not 16-byte aligned", addr)
		}
		if seen[addr] {
			t.Fatalf("Allocate() returned duplicate pointer %#x", addr)
		}
		seen[addr] = true
	}
}

func TestAllocateFillsOnePage(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()

	const elementSize = 8
	slots := 4096/elementSize - 1

	var first unsafe.Pointer
	for i := 0; i < slots; i++ {
		p, err := h.Allocate(tc, elementSize, elementSize)
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		if i == 0 {
			first = p
		}
	}

	pageIndex := pageOf(h.core.base, h.core.pageSize, first)
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	hdr := headerAt(pageBase)
	if int(hdr.liveCount) != slots {
		t.Fatalf("liveCount = %d, want %d", hdr.liveCount, slots)
	}
}

func TestFreeThenAllocateReusesSlot(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()

	p, err := h.Allocate(tc, 8, 8)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	h.Free(tc, p)

	q, err := h.Allocate(tc, 8, 8)
	if err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}
	if q != p {
		t.Fatalf("Allocate() after Free() = %p, want reuse of %p", q, p)
	}
}

func TestFallbackToLargePath(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()

	p, err := h.Allocate(tc, 1024, 64)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if uintptr(p)%64 != 0 {
		t.Fatalf("large allocation %#x not 64-byte aligned", uintptr(p))
	}
	if isInHeap(h.core.base, h.core.reserveSize, p) {
		t.Fatal("large allocation landed inside the small-object reservation")
	}
	h.Free(tc, p)
}

func TestDoubleFreePanics(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()

	p, err := h.Allocate(tc, 8, 8)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	h.Free(tc, p)

	defer func() {
		if recover() == nil {
			t.Fatal("double Free() did not panic")
		}
	}()
	h.Free(tc, p)
}

func TestCrossThreadFreeIsDeferredToOwner(t *testing.T) {
	h, sim := newTestHeap(t, 4096*4)
	_ = sim
	owner := h.Acquire()
	other := h.Acquire()

	p, err := h.Allocate(owner, 8, 8)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	pageIndex := pageOf(h.core.base, h.core.pageSize, p)
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	hdr := headerAt(pageBase)
	liveBefore := hdr.liveCount

	// Free from a ThreadCache that does not own the page: must not touch
	// the header directly.
	h.Free(other, p)
	if hdr.liveCount != liveBefore {
		t.Fatalf("liveCount changed to %d synchronously on a foreign free, want unchanged at %d", hdr.liveCount, liveBefore)
	}

	// The owner's next Allocate must drain the queued free and be able to
	// reuse the slot.
	q, err := h.Allocate(owner, 8, 8)
	if err != nil {
		t.Fatalf("owner Allocate() after foreign free error = %v", err)
	}
	if q != p {
		t.Fatalf("owner Allocate() = %p after drain, want reuse of %p", q, p)
	}
}

func TestFreeFromUnknownOwnerPanics(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()
	p, err := h.Allocate(tc, 8, 8)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	// Simulate a page whose owner id was never Acquire()'d by corrupting
	// the header directly, the way heap corruption (not normal use)
	// would manifest.
	pageIndex := pageOf(h.core.base, h.core.pageSize, p)
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	headerAt(pageBase).setOwner(0xFFFFFF)

	defer func() {
		if recover() == nil {
			t.Fatal("Free() of a page with an unknown owner did not panic")
		}
	}()
	h.Free(tc, p)
}

func TestFreeNilIsNoop(t *testing.T) {
	h, _ := newTestHeap(t, 4096*4)
	tc := h.Acquire()
	h.Free(tc, nil) // must not panic
}

func TestFinalizeReleasesReservation(t *testing.T) {
	h, sim := newTestHeap(t, 4096*4)
	tc := h.Acquire()
	p, err := h.Allocate(tc, 8, 8)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	h.Free(tc, p)

	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := sim.Commit(h.core.base); err == nil {
		t.Fatal("Commit() succeeded against a released reservation")
	}
}
