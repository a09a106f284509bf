package smallheap

import "unsafe"

// isInHeap reports whether p falls within [base, base+size), the sole
// classifier the facade uses to route Free between the small and large
// paths (spec.md §4.7, C7). Constant time.
func isInHeap(base, size uintptr, p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= base && addr < base+size
}

// pageOf returns the page index containing p, given the heap base and
// page size. Valid only for pointers already known to satisfy isInHeap.
func pageOf(base uintptr, pageSize uint32, p unsafe.Pointer) uint32 {
	return uint32((uintptr(p) - base) / uintptr(pageSize))
}

// pageBaseOf returns the byte address of the start of page pageIndex.
func pageBaseOf(base uintptr, pageSize uint32, pageIndex uint32) uintptr {
	return base + uintptr(pageIndex)*uintptr(pageSize)
}

// offsetOf converts a pointer into this heap into a heap-relative Offset,
// the 32-bit encoding spec.md §3 uses inside free slots.
func offsetOf(base uintptr, p unsafe.Pointer) offset {
	return offset(uintptr(p) - base)
}

// pointerAt converts a heap-relative Offset back into a real pointer.
func pointerAt(base uintptr, off offset) unsafe.Pointer {
	return unsafe.Pointer(base + uintptr(off))
}
