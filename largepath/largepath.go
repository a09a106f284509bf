// Package largepath is the out-of-scope large-object collaborator
// spec.md §1 describes: "a thin passthrough to the platform's
// aligned-malloc / aligned-free." Go has no built-in aligned-malloc, so
// this reuses the same C1 page-provider capability the small-object heap
// is built on — every large allocation gets its own private mmap-style
// reservation, fully committed up front, which is always page-aligned and
// therefore satisfies any alignment request up to the page size with no
// extra bookkeeping.
//
// Grounded on original_source/nemalloc/nemalloc.cpp's nemalloc/nefree,
// which fall through to _aligned_malloc/_aligned_free for anything above
// NE_SMALL_SIZE_MAX.
package largepath

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/iansmith/smallheap/pageprovider"
)

// Allocator hands out one private reservation per allocation. It keeps no
// free list and does no size-class bucketing — large allocations are
// assumed to be rare relative to the small-object traffic the heap exists
// for (spec.md §1 scope).
type Allocator struct {
	mu       sync.Mutex
	provider pageprovider.Provider
	pageSize uint64
	regions  map[uintptr]region
}

type region struct {
	base  uintptr
	total uint64
}

// New constructs a large-object allocator over the given page provider.
func New(p pageprovider.Provider) *Allocator {
	return &Allocator{
		provider: p,
		pageSize: uint64(p.PageSize()),
		regions:  make(map[uintptr]region),
	}
}

// Alloc returns a pointer to at least size bytes, aligned to align (a
// power of two the caller has already validated).
func (a *Allocator) Alloc(size, align uint32) (unsafe.Pointer, error) {
	var extra uint64
	if uint64(align) > a.pageSize {
		extra = uint64(align)
	}
	total := alignUp64(uint64(size)+extra, a.pageSize)
	if total == 0 {
		total = a.pageSize
	}

	base, err := a.provider.Reserve(uintptr(total))
	if err != nil {
		return nil, errors.Wrap(err, "largepath: reserve")
	}

	for off := uint64(0); off < total; off += a.pageSize {
		if err := a.provider.Commit(base + uintptr(off)); err != nil {
			_ = a.provider.Release(base, uintptr(total))
			return nil, errors.Wrap(err, "largepath: commit")
		}
	}

	aligned := alignUp64(uint64(base), uint64(align))

	a.mu.Lock()
	a.regions[uintptr(aligned)] = region{base: base, total: total}
	a.mu.Unlock()

	return unsafe.Pointer(uintptr(aligned)), nil
}

// Free releases the reservation backing a pointer previously returned by
// Alloc. Panics on a pointer this allocator never handed out — the same
// API-misuse contract spec.md §7 assigns to a foreign or double free.
func (a *Allocator) Free(p unsafe.Pointer) {
	addr := uintptr(p)

	a.mu.Lock()
	r, ok := a.regions[addr]
	if ok {
		delete(a.regions, addr)
	}
	a.mu.Unlock()

	if !ok {
		panic("largepath: free of a pointer this allocator never returned")
	}
	if err := a.provider.Release(r.base, uintptr(r.total)); err != nil {
		panic(errors.Wrap(err, "largepath: release"))
	}
}

func alignUp64(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
