// Package pageprovider abstracts the operating system's virtual-memory
// primitives the small-object heap needs: reserve an address range without
// backing it, commit or decommit one page at a time, release the whole
// reservation, and report the system page size.
//
// The core never allocates, frees, reads, or writes through a Provider
// except via these five operations; this keeps the heap itself portable
// and lets tests run against Simulated instead of real memory.
package pageprovider

// Provider is the capability the small-object heap consumes for all of its
// interaction with the operating system's memory manager.
type Provider interface {
	// Reserve obtains a contiguous virtual-address range of at least
	// bytes length with no physical backing. The returned base is
	// page-aligned. Reserve is called exactly once per heap lifetime.
	Reserve(bytes uintptr) (base uintptr, err error)

	// Commit binds physical memory to the single page starting at
	// pageBase. Idempotent: committing an already-committed page is a
	// no-op, not an error.
	Commit(pageBase uintptr) error

	// Decommit returns the physical backing for the single page starting
	// at pageBase. A subsequent access re-faults in zeroed memory (or
	// fails, at the OS's discretion); the core never reads a decommitted
	// page before recommitting it.
	Decommit(pageBase uintptr) error

	// Release unmaps the entire reservation obtained from Reserve. Called
	// at most once, from Finalize.
	Release(base uintptr, bytes uintptr) error

	// PageSize reports the system page granularity. Assumed constant for
	// the process lifetime; the heap queries it once, in New.
	PageSize() int
}
