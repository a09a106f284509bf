package smallheap

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iansmith/smallheap/largepath"
	"github.com/iansmith/smallheap/pageprovider"
)

// defaultReserveBytes is used when Config.ReserveBytes is zero. 512 MiB
// comfortably exceeds anything the bench harness in cmd/shbench drives and
// still respects the 32-bit offset ceiling assertReserveSize enforces.
const defaultReserveBytes = 512 * 1024 * 1024

// Config configures a Heap. All fields are optional; the zero Config
// builds a heap with a real POSIX page provider, the default reservation
// size, the default slog logger, and no metrics.
type Config struct {
	// ReserveBytes is the size of the single virtual-address reservation
	// backing the small-object heap. Defaults to 512 MiB.
	ReserveBytes uint64

	// Provider supplies the virtual-memory primitives the heap is built
	// on. Defaults to pageprovider.NewPosix(). Tests typically pass a
	// *pageprovider.Simulated here instead. The large-object path does
	// not use it: it always runs over its own pageprovider.NewPosix().
	Provider pageprovider.Provider

	// Logger receives a structured debug record of the reservation New
	// makes. Defaults to slog.Default().
	Logger *slog.Logger

	// Registerer, if set, has the heap's Prometheus collectors registered
	// against it. Left nil, metrics collection is skipped entirely.
	Registerer prometheus.Registerer
}

// heapCore is the state shared by every ThreadCache acquired from a Heap:
// the reservation, the page pool, the provider, and the optional
// ambient collaborators. Nothing here is ever mutated by more than one
// goroutine without going through pool's or metrics' own synchronization.
type heapCore struct {
	base        uintptr
	reserveSize uintptr
	pageSize    uint32
	pages       uint32

	provider pageprovider.Provider
	pool     *pagePool
	metrics  *metrics
	logger   *slog.Logger
	large    *largepath.Allocator
}

// Heap is the facade spec.md §1 describes: one reservation, one page
// pool, and a registry of the ThreadCaches that have been handed out from
// it. Grounded on the teacher's memInit/heapInit orchestration
// (src/mazboot/golang/main/heap.go) generalized from process-global
// kernel state into an explicit, independently constructible type.
type Heap struct {
	core *heapCore

	nextID uint32
	mu     sync.RWMutex
	owners map[uint32]*ThreadCache
}

// New reserves the address range and constructs a Heap ready to hand out
// ThreadCaches. The reservation is made once and lives until Finalize.
func New(cfg Config) (*Heap, error) {
	reserveBytes := cfg.ReserveBytes
	if reserveBytes == 0 {
		reserveBytes = defaultReserveBytes
	}
	assertReserveSize(reserveBytes)

	provider := cfg.Provider
	if provider == nil {
		provider = pageprovider.NewPosix()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := uint64(provider.PageSize())
	reserveSize := alignUp64(reserveBytes, pageSize)

	base, err := provider.Reserve(uintptr(reserveSize))
	if err != nil {
		return nil, wrapReserve(err)
	}

	pages := uint32(reserveSize / pageSize)

	core := &heapCore{
		base:        base,
		reserveSize: uintptr(reserveSize),
		pageSize:    uint32(pageSize),
		pages:       pages,
		provider:    provider,
		pool:        newPagePool(pages),
		metrics:     newMetrics(cfg.Registerer),
		logger:      logger,
		// The large path makes one reservation per allocation, so it gets
		// its own provider rather than sharing the heap's single one.
		large: largepath.New(pageprovider.NewPosix()),
	}

	logger.Debug("smallheap: reserved",
		"base", base, "pages", pages, "pageSize", pageSize, "reserveBytes", reserveSize)

	return &Heap{core: core, owners: make(map[uint32]*ThreadCache)}, nil
}

// Acquire returns a new ThreadCache bound to this heap. Call it once per
// goroutine that will allocate or free against the heap, and keep the
// result for that goroutine's lifetime — a ThreadCache is not safe for
// concurrent use by more than one goroutine (spec.md §5).
func (h *Heap) Acquire() *ThreadCache {
	id := atomic.AddUint32(&h.nextID, 1)
	tc := &ThreadCache{id: id, core: h.core}
	for k := range tc.margins {
		tc.margins[k] = newDecommitMargin()
	}

	h.mu.Lock()
	h.owners[id] = tc
	h.mu.Unlock()

	return tc
}

// Allocate returns a pointer to at least size bytes aligned to align (0
// means the allocator's natural Unit alignment). Requests at or below
// SmallMax are served by the size-class engine; anything larger, or any
// small request the page pool cannot currently satisfy, falls through to
// largepath (spec.md §4.7, C7).
func (h *Heap) Allocate(tc *ThreadCache, size, align uint32) (unsafe.Pointer, error) {
	if tc == nil {
		panic("smallheap: Allocate called with a nil ThreadCache (call Heap.Acquire first)")
	}
	if align == 0 {
		align = Unit
	}
	assertValidAlignment(align)
	if align < Unit {
		align = Unit
	}
	size = alignUp(size, align)

	if size <= SmallMax {
		p, ok, err := h.tryAllocateSmall(tc, size)
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
	}

	h.core.metrics.fellThrough()
	p, err := h.core.large.Alloc(size, align)
	if err != nil {
		return nil, errors.Wrap(err, "smallheap: large-path allocation")
	}
	return p, nil
}

// tryAllocateSmall serves size (already rounded and known <= SmallMax)
// from the size-class engine. ok is false only when the page pool is
// exhausted and the caller should fall through to the large path; any
// other non-nil error is a hard failure (spec.md §9.2).
func (h *Heap) tryAllocateSmall(tc *ThreadCache, size uint32) (p unsafe.Pointer, ok bool, err error) {
	k := classOf(size)
	h.drainRemote(tc, k)

	if tc.buckets[k] == endOffset {
		if err := h.commitBucket(tc, k); err != nil {
			if errors.Is(err, errPoolExhausted) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}

	p = tc.popSlot(k)
	pageIndex := pageOf(h.core.base, h.core.pageSize, p)
	hdr := headerAt(pageBaseOf(h.core.base, h.core.pageSize, pageIndex))
	hdr.liveCount++
	tc.margins[k].cancelIfReservedOnAlloc(pageIndex)
	h.core.metrics.allocated(k)
	return p, true, nil
}

// commitBucket pops a fresh page index from the pool, commits it, and
// formats it for class k (spec.md §4.3, C3). Returns errPoolExhausted
// (not wrapped) when the pool has no page left, so callers can treat
// exhaustion as a fall-through signal rather than a hard error.
func (h *Heap) commitBucket(tc *ThreadCache, k int) error {
	pageIndex, ok := h.core.pool.pop()
	if !ok {
		h.core.metrics.exhausted()
		return errPoolExhausted
	}

	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	if err := h.core.provider.Commit(pageBase); err != nil {
		h.core.pool.push(pageIndex)
		return wrapCommit(pageIndex, err)
	}

	tc.formatPage(pageBase, k)
	slotsPerPage := uint64(h.core.pageSize / elementSize(k))
	tc.margins[k].availableCount += slotsPerPage - 1
	h.core.metrics.committed()
	return nil
}

// Free returns p to the heap. p must have come from a previous Allocate
// on this Heap (spec.md §4.7): pointers outside the reservation are
// routed to the large path, pointers inside it to the size-class engine,
// with same-thread frees applied immediately and cross-thread frees
// queued for the owning ThreadCache to apply the next time it allocates
// from the same size class. A queued free is not applied by an owner
// allocation of another class or by a large-path allocation.
func (h *Heap) Free(tc *ThreadCache, p unsafe.Pointer) {
	if p == nil {
		return
	}

	if !isInHeap(h.core.base, h.core.reserveSize, p) {
		h.core.large.Free(p)
		return
	}

	pageIndex := pageOf(h.core.base, h.core.pageSize, p)
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	hdr := headerAt(pageBase)
	k := int(hdr.bucketIndex)
	owner := hdr.owner()

	if tc != nil && tc.id == owner {
		h.finishFree(tc, k, p)
		return
	}

	ownerTC := h.lookupOwner(owner)
	if ownerTC == nil {
		panic("smallheap: free of a pointer whose owning thread cache is unknown")
	}
	ownerTC.enqueueRemote(k, offsetOf(h.core.base, p))
}

// finishFree applies a free of one class-k slot to tc's own state: it is
// the single place both an ordinary same-thread Free and a drained
// cross-thread free funnel through, so the accounting (liveCount, the
// decommit margin) only ever runs on the page's owning goroutine.
func (h *Heap) finishFree(tc *ThreadCache, k int, p unsafe.Pointer) {
	pageIndex := pageOf(h.core.base, h.core.pageSize, p)
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	hdr := headerAt(pageBase)
	slotsPerPage := h.core.pageSize / elementSize(k)

	assertNotDoubleFree(hdr, slotsPerPage)
	hdr.liveCount--
	tc.pushSlot(k, p)
	h.core.metrics.freed(k)

	decommit := func(pi uint32) { h.decommitPage(tc, k, pi) }
	if hdr.liveCount == 0 {
		tc.margins[k].reserveDecommit(pageIndex, decommit)
	}
	tc.margins[k].maybeDecommitOnFree(k, h.core.pageSize, decommit)
}

// drainRemote applies every cross-thread free queued for class k against
// tc before tc next consults buckets[k] (spec.md §9.1's resolution: the
// enqueuing thread never touches tc's state directly).
func (h *Heap) drainRemote(tc *ThreadCache, k int) {
	pending := tc.takeRemote(k)
	for _, off := range pending {
		h.finishFree(tc, k, pointerAt(h.core.base, off))
	}
}

// decommitPage unlinks every slot of pageIndex from class k's freelist,
// returns the page's physical backing to the operating system, and
// returns the page index to the pool (spec.md §4.6, C6). Called only
// through a decommitMargin, which guarantees the page is fully drained
// first.
func (h *Heap) decommitPage(tc *ThreadCache, k int, pageIndex uint32) {
	pageBase := pageBaseOf(h.core.base, h.core.pageSize, pageIndex)
	hdr := headerAt(pageBase)
	assertDrained(hdr)

	tc.unlinkPage(pageIndex, k)

	if err := h.core.provider.Decommit(pageBase); err != nil {
		// Free has no error return in this API (spec.md §4.7's table),
		// the same as the original's fatal NE_ASSERT on a commit/decommit
		// failure (spec.md §7): there is nowhere to surface this but up.
		panic(wrapDecommit(pageIndex, err))
	}

	h.core.pool.push(pageIndex)
	h.core.metrics.decommitted()

	slotsPerPage := uint64(h.core.pageSize / elementSize(k))
	tc.margins[k].availableCount -= slotsPerPage - 1
}

func (h *Heap) lookupOwner(id uint32) *ThreadCache {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owners[id]
}

// Finalize releases the heap's reservation back to the operating system.
// Callers must have already freed every outstanding allocation; Finalize
// does not check for live pages (spec.md §1 Non-goals).
func (h *Heap) Finalize() error {
	if err := h.core.provider.Release(h.core.base, h.core.reserveSize); err != nil {
		return wrapRelease(err)
	}
	return nil
}

func alignUp64(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
