//go:build unix

package pageprovider

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Posix implements Provider over anonymous mmap/mprotect/madvise, the
// POSIX equivalent of the Windows VirtualAlloc family the allocator's
// original implementation targeted (see original_source/nemalloc,
// which calls VirtualAlloc/VirtualFree directly). A reservation is an
// anonymous PROT_NONE mapping; Commit upgrades one page to
// PROT_READ|PROT_WRITE, Decommit restores PROT_NONE and MADV_DONTNEED's
// the page so the kernel reclaims the physical frame.
type Posix struct {
	mu       sync.Mutex
	mappings map[uintptr][]byte // base -> backing slice, kept alive for GC
	pageSize int
}

// NewPosix constructs a Posix page provider.
func NewPosix() *Posix {
	return &Posix{
		mappings: make(map[uintptr][]byte),
		pageSize: unix.Getpagesize(),
	}
}

func (p *Posix) PageSize() int { return p.pageSize }

func (p *Posix) Reserve(bytes uintptr) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(bytes), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("pageprovider: reserve %d bytes: %w", bytes, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))

	p.mu.Lock()
	p.mappings[base] = b
	p.mu.Unlock()

	return base, nil
}

func (p *Posix) slice(pageBase uintptr) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for base, b := range p.mappings {
		if pageBase >= base && pageBase < base+uintptr(len(b)) {
			off := pageBase - base
			return b[off : off+uintptr(p.pageSize) : off+uintptr(p.pageSize)], nil
		}
	}
	return nil, fmt.Errorf("pageprovider: page %#x not within any reservation", pageBase)
}

func (p *Posix) Commit(pageBase uintptr) error {
	page, err := p.slice(pageBase)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("pageprovider: commit %#x: %w", pageBase, err)
	}
	return nil
}

func (p *Posix) Decommit(pageBase uintptr) error {
	page, err := p.slice(pageBase)
	if err != nil {
		return err
	}
	// Order matters: drop the protection before telling the kernel the
	// frame is garbage, otherwise a racing fault between the two calls
	// would commit a fresh zero page under PROT_READ|WRITE.
	if err := unix.Mprotect(page, unix.PROT_NONE); err != nil {
		return fmt.Errorf("pageprovider: decommit %#x: %w", pageBase, err)
	}
	if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("pageprovider: madvise %#x: %w", pageBase, err)
	}
	return nil
}

func (p *Posix) Release(base uintptr, bytes uintptr) error {
	p.mu.Lock()
	b, ok := p.mappings[base]
	delete(p.mappings, base)
	p.mu.Unlock()

	if !ok || uintptr(len(b)) != bytes {
		return fmt.Errorf("pageprovider: release %#x: not a live reservation of %d bytes", base, bytes)
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("pageprovider: release %#x: %w", base, err)
	}
	return nil
}
