// Chunk allocator. Small requests share a guarded page carved into
// power-of-two slots, large requests get dedicated guarded pages. Every
// byte handed out lives on locked memory and is scrubbed before the
// page goes back to the pool.
package heap

import (
	"math/bits"
	"sync"
	"unsafe"

	c "lockmem/internal"
	"lockmem/internal/pool"
	"lockmem/internal/vmem"

	"github.com/negrel/assert"
)

// Heap carves pool pages into chunks. partial holds, per class, the pages
// with at least one free slot. byBase resolves a freed pointer back to
// its page descriptor.
type Heap struct {
	mu      sync.Mutex
	pool    *pool.Pool
	partial [][]*pool.Desc
	byBase  map[uintptr]*pool.Desc
	zero    *pool.Desc
	stats   Stats
	down    bool
}

func CreateHeap() (*Heap, error) {
	p := pool.CreatePool()

	// Zero-size allocations all alias this page. It is never readable,
	// any dereference through a zero-length chunk faults.
	z, err := p.Acquire(1, vmem.NoAccess, false)
	if err != nil {
		return nil, err
	}

	nClasses := classIndex(vmem.PageSize()/2) + 1
	return &Heap{
		pool:    p,
		partial: make([][]*pool.Desc, nClasses),
		byBase:  make(map[uintptr]*pool.Desc),
		zero:    z,
	}, nil
}

// chunkClass rounds size up to the next power of two, floored at MIN_CHUNK.
func chunkClass(size int) int {
	if size <= c.MIN_CHUNK {
		return c.MIN_CHUNK
	}
	return 1 << bits.Len(uint(size-1))
}

func classIndex(class int) int {
	return bits.TrailingZeros(uint(class)) - bits.TrailingZeros(uint(c.MIN_CHUNK))
}

func baseAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Alloc returns size bytes of locked memory filled with the junk pattern.
// Callers that need zeroes use AllocZero.
func (h *Heap) Alloc(size int) ([]byte, error) {
	return h.alloc(size, c.ALLOC_JUNK)
}

func (h *Heap) AllocZero(size int) ([]byte, error) {
	return h.alloc(size, c.SCRUB_BYTE)
}

func (h *Heap) alloc(size int, fill byte) ([]byte, error) {
	assert.GreaterOrEqual(size, 0)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		panic("lockmem: allocation after teardown")
	}
	if size == 0 {
		return h.zero.Data()[0:0:0], nil
	}

	ps := vmem.PageSize()
	if size > ps/2 {
		return h.allocLarge(size, fill)
	}

	class := chunkClass(size)
	d, err := h.partialPage(class)
	if err != nil {
		return nil, err
	}

	slot := d.TakeLowestSlot()
	if d.Full() {
		h.dropPartial(classIndex(class), d)
	}

	chunk := d.Data()[slot*class : slot*class+class]
	vmem.Fill(chunk, fill)

	if emitStats {
		h.stats.Allocs++
		h.stats.BytesInUse += uint64(class)
	}
	return chunk[:size], nil
}

// partialPage finds a page of the given class with a free slot, reusing a
// cached page before mapping a fresh one.
func (h *Heap) partialPage(class int) (*pool.Desc, error) {
	idx := classIndex(class)
	if pages := h.partial[idx]; len(pages) > 0 {
		return pages[len(pages)-1], nil
	}

	d := h.pool.TakeCached(1, true)
	if d == nil {
		var err error
		d, err = h.pool.Acquire(1, vmem.ReadWrite, true)
		if err != nil {
			return nil, err
		}
		if emitStats {
			h.stats.PagesMapped++
		}
	}

	d.InitClass(class)
	h.partial[idx] = append(h.partial[idx], d)
	h.byBase[d.Base()] = d
	return d, nil
}

func (h *Heap) allocLarge(size int, fill byte) ([]byte, error) {
	ps := vmem.PageSize()
	nPages := (size + ps - 1) / ps

	d, err := h.pool.Acquire(nPages, vmem.ReadWrite, true)
	if err != nil {
		return nil, err
	}
	vmem.Fill(d.Data(), fill)
	h.byBase[d.Base()] = d

	if emitStats {
		h.stats.Allocs++
		h.stats.PagesMapped += uint64(nPages)
		h.stats.BytesInUse += uint64(nPages * ps)
	}
	return d.Data()[:size], nil
}

// Free scrubs the chunk and returns its slot to the page. A pointer the
// heap never handed out, or one freed twice, is fatal.
func (h *Heap) Free(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		panic("lockmem: free after teardown")
	}
	if len(b) == 0 {
		return
	}

	addr := baseAddr(b)
	pageBase := addr &^ vmem.PageMask()
	d := h.byBase[pageBase]
	if d == nil {
		panic("lockmem: free of unknown pointer")
	}
	h.pool.Verify(d)

	if class := d.Class(); class != 0 {
		h.freeChunk(d, addr, pageBase, class)
		return
	}
	if addr != pageBase {
		panic("lockmem: free of a pointer inside an allocation")
	}
	h.freeLarge(d)
}

func (h *Heap) freeChunk(d *pool.Desc, addr, pageBase uintptr, class int) {
	off := int(addr - pageBase)
	if off%class != 0 {
		panic("lockmem: freed pointer is not slot-aligned")
	}
	slot := off / class

	wasFull := d.Full()
	vmem.Wipe(d.Data()[slot*class : (slot+1)*class])
	d.ReleaseSlot(slot)

	if emitStats {
		h.stats.Frees++
		h.stats.BytesInUse -= uint64(class)
	}

	idx := classIndex(class)
	if d.Empty() {
		h.dropPartial(idx, d)
		delete(h.byBase, d.Base())
		h.pool.CacheEmpty(d)
		return
	}
	if wasFull {
		h.partial[idx] = append(h.partial[idx], d)
	}
}

// Large pages never enter the cache, their guards go back to the OS with
// the data pages.
func (h *Heap) freeLarge(d *pool.Desc) {
	vmem.Wipe(d.Data())
	delete(h.byBase, d.Base())

	if emitStats {
		h.stats.Frees++
		h.stats.PagesMapped -= uint64(d.NPages())
		h.stats.BytesInUse -= uint64(len(d.Data()))
	}
	h.pool.Release(d)
}

func (h *Heap) dropPartial(idx int, d *pool.Desc) {
	pages := h.partial[idx]
	for i, pd := range pages {
		if pd == d {
			h.partial[idx] = append(pages[:i], pages[i+1:]...)
			return
		}
	}
	panic("lockmem: page missing from its partial list")
}

// Teardown scrubs and unmaps everything the heap still holds, live
// allocations included. The heap is unusable afterwards.
func (h *Heap) Teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return
	}
	h.down = true

	for base, d := range h.byBase {
		vmem.Wipe(d.Data())
		h.pool.Release(d)
		delete(h.byBase, base)
	}
	h.pool.DrainCache()
	h.pool.Release(h.zero)
	h.zero = nil
	h.partial = nil
}

func (h *Heap) CachedPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pool.CacheLen()
}
