//go:build unix

package pageprovider

import "testing"

func TestPosixReserveCommitWriteDecommit(t *testing.T) {
	p := NewPosix()
	if p.PageSize() <= 0 {
		t.Fatalf("PageSize() = %d, want > 0", p.PageSize())
	}

	pageSize := uintptr(p.PageSize())
	base, err := p.Reserve(pageSize * 4)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	page := base + pageSize
	if err := p.Commit(page); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	b, err := p.slice(page)
	if err != nil {
		t.Fatalf("slice() error = %v", err)
	}
	b[0] = 0x42
	if b[0] != 0x42 {
		t.Fatal("write to committed page did not stick")
	}

	if err := p.Decommit(page); err != nil {
		t.Fatalf("Decommit() error = %v", err)
	}

	if err := p.Release(base, pageSize*4); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestPosixCommitOutsideReservationErrors(t *testing.T) {
	p := NewPosix()
	if err := p.Commit(0xdeadbeef); err == nil {
		t.Fatal("Commit() outside any reservation did not error")
	}
}

func TestPosixReleaseWrongSizeErrors(t *testing.T) {
	p := NewPosix()
	pageSize := uintptr(p.PageSize())
	base, err := p.Reserve(pageSize * 2)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := p.Release(base, pageSize); err == nil {
		t.Fatal("Release() with a mismatched size did not error")
	}
	// Clean up with the correct size so the test doesn't leak the mapping.
	if err := p.Release(base, pageSize*2); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
