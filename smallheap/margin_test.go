package smallheap

import "testing"

func TestDecommitMarginReserveEvictsPrevious(t *testing.T) {
	m := newDecommitMargin()

	var decommitted []uint32
	decommit := func(pi uint32) { decommitted = append(decommitted, pi) }

	m.reserveDecommit(1, decommit)
	if len(decommitted) != 0 {
		t.Fatalf("first reserveDecommit() decommitted = %v, want none", decommitted)
	}
	if m.decommitPool != 1 {
		t.Fatalf("decommitPool = %d, want 1", m.decommitPool)
	}

	m.reserveDecommit(2, decommit)
	if len(decommitted) != 1 || decommitted[0] != 1 {
		t.Fatalf("second reserveDecommit() decommitted = %v, want [1]", decommitted)
	}
	if m.decommitPool != 2 {
		t.Fatalf("decommitPool = %d, want 2", m.decommitPool)
	}
}

func TestDecommitMarginReserveSamePageIsNoop(t *testing.T) {
	m := newDecommitMargin()
	called := false
	decommit := func(uint32) { called = true }

	m.reserveDecommit(5, decommit)
	m.reserveDecommit(5, decommit)

	if called {
		t.Fatal("reserveDecommit() with the same page index invoked decommit")
	}
	if m.decommitPool != 5 {
		t.Fatalf("decommitPool = %d, want 5", m.decommitPool)
	}
}

func TestDecommitMarginCancelOnAlloc(t *testing.T) {
	m := newDecommitMargin()
	m.reserveDecommit(9, func(uint32) {})
	m.availableCount = 10

	m.cancelIfReservedOnAlloc(9)

	if m.decommitPool != invalidPage {
		t.Fatalf("decommitPool = %d, want invalidPage after cancel", m.decommitPool)
	}
	if m.availableCount != 9 {
		t.Fatalf("availableCount = %d, want 9", m.availableCount)
	}
}

func TestDecommitMarginCancelOnAllocOfDifferentPage(t *testing.T) {
	m := newDecommitMargin()
	m.reserveDecommit(9, func(uint32) {})

	m.cancelIfReservedOnAlloc(3)

	if m.decommitPool != 9 {
		t.Fatalf("decommitPool = %d, want 9 (unaffected by allocating page 3)", m.decommitPool)
	}
}

func TestDecommitMarginThrashDoesNotDecommitUnderMargin(t *testing.T) {
	// Class 0 -> 8-byte slots on a 4096-byte page -> 512 slots/page,
	// margin = 512*3/2 = 768. A single allocate/free cycle never crosses
	// that threshold, so the hysteresis must absorb it with zero
	// decommits (spec.md §4.4 / the E4 scenario's O(1) decommit bound).
	const k = 0
	const pageSize = 4096

	m := newDecommitMargin()
	calls := 0
	decommit := func(uint32) { calls++ }

	m.reserveDecommit(1, decommit)
	for i := 0; i < 1000; i++ {
		m.cancelIfReservedOnAlloc(1)
		m.maybeDecommitOnFree(k, pageSize, decommit)
	}

	if calls != 0 {
		t.Fatalf("decommit invoked %d times across a steady allocate/free loop, want 0", calls)
	}
}

func TestDecommitMarginDecommitsPastMargin(t *testing.T) {
	const k = 0
	const pageSize = 4096 // 512 slots/page, margin = 768

	m := newDecommitMargin()
	m.decommitPool = 7

	calls := 0
	decommit := func(pi uint32) {
		calls++
		if pi != 7 {
			t.Fatalf("decommit called with page %d, want 7", pi)
		}
	}

	for i := uint64(0); i < 768; i++ {
		m.maybeDecommitOnFree(k, pageSize, decommit)
	}

	if calls != 1 {
		t.Fatalf("decommit invoked %d times, want exactly 1", calls)
	}
	if m.decommitPool != invalidPage {
		t.Fatalf("decommitPool = %d, want invalidPage after crossing the margin", m.decommitPool)
	}
}
