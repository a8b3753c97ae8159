// Page pool. Owns every page the allocators hand out: guard placement,
// locking against swap, protection transitions and the bounded cache of
// fully-free pages. The chunk allocator only ever sees *Desc values.
package pool

import (
	crand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/bits"

	c "lockmem/internal"
	"lockmem/internal/vmem"

	"github.com/cespare/xxhash"
	"github.com/negrel/assert"
)

// Desc tracks one contiguous reservation. data is the usable sub-region,
// full additionally covers the guard pages. For pages carved into chunk
// slots, class holds the slot size and bitmap the free slots (bit set =
// slot free).
type Desc struct {
	full    []byte
	data    []byte
	prot    vmem.Prot
	locked  bool
	guarded bool
	canary  uint64

	class  int
	bitmap []uint64
	inUse  int
}

func (d *Desc) Data() []byte {
	return d.data
}

func (d *Desc) Base() uintptr {
	if len(d.data) == 0 {
		return 0
	}
	return baseAddr(d.data)
}

func (d *Desc) Prot() vmem.Prot {
	return d.prot
}

func (d *Desc) Guarded() bool {
	return d.guarded
}

func (d *Desc) NPages() int {
	return len(d.data) / vmem.PageSize()
}

func (d *Desc) Class() int {
	return d.class
}

func (d *Desc) InUse() int {
	return d.inUse
}

func (d *Desc) Slots() int {
	assert.NotEqual(d.class, 0, "slot count on a classless page")
	return len(d.data) / d.class
}

// InitClass turns d into a chunk-class page of the given slot size with
// every slot free.
func (d *Desc) InitClass(class int) {
	assert.Greater(class, 0)
	assert.Equal(len(d.data)%class, 0, "class must divide the page")

	d.class = class
	d.inUse = 0

	slots := len(d.data) / class
	d.bitmap = make([]uint64, (slots+63)/64)
	for i := range slots {
		d.bitmap[i>>6] |= 1 << (i & 63)
	}
}

func (d *Desc) freeSlots() int {
	n := 0
	for _, w := range d.bitmap {
		n += bits.OnesCount64(w)
	}
	return n
}

// TakeLowestSlot claims the lowest-indexed free slot. Deterministic on
// purpose, the address order of handed-out chunks is predictable.
func (d *Desc) TakeLowestSlot() int {
	for w, word := range d.bitmap {
		if word != 0 {
			bit := bits.TrailingZeros64(word)
			d.bitmap[w] &^= 1 << bit
			d.inUse++
			assert.Equal(d.freeSlots()+d.inUse, d.Slots())
			return w<<6 + bit
		}
	}
	panic("lockmem: slot request on a full chunk page")
}

// ReleaseSlot marks slot free again. A slot that is already free means the
// caller is freeing twice, which is fatal.
func (d *Desc) ReleaseSlot(slot int) {
	assert.Less(slot, d.Slots())
	if d.bitmap[slot>>6]&(1<<(slot&63)) != 0 {
		panic("lockmem: double free")
	}
	d.bitmap[slot>>6] |= 1 << (slot & 63)
	d.inUse--
	assert.Equal(d.freeSlots()+d.inUse, d.Slots())
}

func (d *Desc) Full() bool {
	return d.inUse == d.Slots()
}

func (d *Desc) Empty() bool {
	return d.inUse == 0
}

// Pool hands out page reservations and keeps a small LRU of fully-free
// pages. secret seeds the per-descriptor integrity canaries.
type Pool struct {
	secret uint64
	cache  []*Desc // oldest first
}

func CreatePool() *Pool {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("lockmem: no OS randomness for pool secret")
	}
	return &Pool{secret: binary.LittleEndian.Uint64(seed[:])}
}

func (p *Pool) stamp(d *Desc) {
	var a [8]byte
	binary.LittleEndian.PutUint64(a[:], uint64(d.Base()))
	d.canary = p.secret ^ xxhash.Sum64(a[:])
}

// Verify panics when a descriptor's canary no longer matches its base
// address. A mismatch means heap metadata was overwritten, continuing
// would risk handing out pages that still hold secrets.
func (p *Pool) Verify(d *Desc) {
	var a [8]byte
	binary.LittleEndian.PutUint64(a[:], uint64(d.Base()))
	if d.canary != p.secret^xxhash.Sum64(a[:]) {
		panic("lockmem: page descriptor corrupted")
	}
}

// Acquire reserves nPages of usable memory at the given protection. With
// guard set, one extra page on each side is pinned at NoAccess for the
// lifetime of the descriptor and the returned region points past the
// leading guard. The usable region is locked against swap and excluded
// from dumps and forks.
func (p *Pool) Acquire(nPages int, prot vmem.Prot, guard bool) (*Desc, error) {
	assert.Greater(nPages, 0)
	ps := vmem.PageSize()

	fullPages := nPages
	if guard {
		fullPages += 2
	}

	region, err := vmem.Reserve(fullPages, prot)
	if err != nil {
		return nil, err
	}

	data := region
	if guard {
		if err := vmem.SetProt(region[:ps], vmem.NoAccess); err != nil {
			vmem.Release(region)
			return nil, err
		}
		if err := vmem.SetProt(region[len(region)-ps:], vmem.NoAccess); err != nil {
			vmem.Release(region)
			return nil, err
		}
		data = region[ps : len(region)-ps]
	}

	// Builds with lockmem_nomlock skip the lock instead of failing here.
	if err := vmem.Lock(data); err != nil {
		vmem.Release(region)
		return nil, err
	}
	vmem.Advise(data)

	d := &Desc{
		full:    region,
		data:    data,
		prot:    prot,
		locked:  true,
		guarded: guard,
	}
	p.stamp(d)
	return d, nil
}

// Transition changes the protection of the usable region. Descriptor and
// page table are updated together, callers never observe them disagreeing.
func (p *Pool) Transition(d *Desc, prot vmem.Prot) error {
	p.Verify(d)
	if d.prot == prot {
		return nil
	}
	if err := vmem.SetProt(d.data, prot); err != nil {
		return err
	}
	d.prot = prot
	return nil
}

// Release unmaps the full region, guards included. The caller is expected
// to have scrubbed the usable region already.
func (p *Pool) Release(d *Desc) error {
	p.Verify(d)
	if releaseHook != nil && d.prot == vmem.ReadWrite {
		releaseHook(d.data)
	}
	if d.locked {
		if err := vmem.Unlock(d.data); err != nil {
			slog.Warn("Release", "err", err)
		}
	}
	err := vmem.Release(d.full)
	d.full = nil
	d.data = nil
	return err
}

// Test back door for scrub verification. The hook sees the usable region
// right before munmap, while it is still readable.
var releaseHook func(data []byte)

func SetReleaseHook(f func(data []byte)) {
	releaseHook = f
}

// CacheEmpty parks a fully-free chunk-class page in the cache instead of
// unmapping it. Cached pages are scrubbed and kept at NoAccess. When the
// cache is at capacity the oldest entry is released to the OS first.
func (p *Pool) CacheEmpty(d *Desc) error {
	p.Verify(d)
	assert.True(d.Empty(), "caching a page with live chunks")

	if len(p.cache) >= c.MAX_CACHE {
		old := p.cache[0]
		p.cache = p.cache[1:]
		p.scrubRelease(old)
	}

	if err := p.Transition(d, vmem.ReadWrite); err != nil {
		p.scrubRelease(d)
		return err
	}
	vmem.Wipe(d.data)
	d.class = 0
	d.bitmap = nil

	if err := p.Transition(d, vmem.NoAccess); err != nil {
		p.Release(d)
		return err
	}

	p.cache = append(p.cache, d)
	return nil
}

// TakeCached pops the most recently cached page matching the shape, or
// returns nil. The page comes back ReadWrite and all-zero.
func (p *Pool) TakeCached(nPages int, guard bool) *Desc {
	for i := len(p.cache) - 1; i >= 0; i-- {
		d := p.cache[i]
		if d.NPages() != nPages || d.guarded != guard {
			continue
		}
		p.cache = append(p.cache[:i], p.cache[i+1:]...)
		if err := p.Transition(d, vmem.ReadWrite); err != nil {
			p.Release(d)
			return nil
		}
		return d
	}
	return nil
}

func (p *Pool) DrainCache() {
	for _, d := range p.cache {
		p.scrubRelease(d)
	}
	p.cache = nil
}

func (p *Pool) CacheLen() int {
	return len(p.cache)
}

// Pages leave the pool zeroed no matter how they got here.
func (p *Pool) scrubRelease(d *Desc) {
	if err := p.Transition(d, vmem.ReadWrite); err == nil {
		vmem.Wipe(d.data)
	}
	p.Release(d)
}
