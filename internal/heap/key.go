package heap

import (
	"sync"

	c "lockmem/internal"
	"lockmem/internal/pool"
	"lockmem/internal/vmem"
)

// KeyHeap allocates page-granular regions for key material. Every
// allocation gets its own guarded pages so protection transitions never
// affect a neighbour, and freed pages go straight back to the OS instead
// of the reuse cache.
type KeyHeap struct {
	mu   sync.Mutex
	pool *pool.Pool
	live map[uintptr]*pool.Desc
	down bool
}

func CreateKeyHeap() *KeyHeap {
	return &KeyHeap{
		pool: pool.CreatePool(),
		live: make(map[uintptr]*pool.Desc),
	}
}

// Alloc reserves enough guarded pages for size bytes and hands them back
// writable and junk-filled so the caller can place the key. Callers seal
// the region once it is populated.
func (k *KeyHeap) Alloc(size int) ([]byte, error) {
	return k.alloc(size, c.ALLOC_JUNK)
}

func (k *KeyHeap) AllocZero(size int) ([]byte, error) {
	return k.alloc(size, c.SCRUB_BYTE)
}

func (k *KeyHeap) alloc(size int, fill byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.down {
		panic("lockmem: key allocation after teardown")
	}

	ps := vmem.PageSize()
	nPages := (size + ps - 1) / ps
	if nPages == 0 {
		nPages = 1
	}

	d, err := k.pool.Acquire(nPages, vmem.NoAccess, true)
	if err != nil {
		return nil, err
	}
	if err := k.pool.Transition(d, vmem.ReadWrite); err != nil {
		k.pool.Release(d)
		return nil, err
	}
	vmem.Fill(d.Data(), fill)

	k.live[d.Base()] = d
	return d.Data()[:size], nil
}

// Seal removes all access to the region. Reads and writes fault until the
// next grant.
func (k *KeyHeap) Seal(b []byte) error {
	return k.transition(b, vmem.NoAccess)
}

// GrantRead makes the region readable. Writes still fault.
func (k *KeyHeap) GrantRead(b []byte) error {
	return k.transition(b, vmem.ReadOnly)
}

// GrantWrite makes the region readable and writable.
func (k *KeyHeap) GrantWrite(b []byte) error {
	return k.transition(b, vmem.ReadWrite)
}

func (k *KeyHeap) transition(b []byte, prot vmem.Prot) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.down {
		panic("lockmem: key access after teardown")
	}
	d := k.lookup(b)
	return k.pool.Transition(d, prot)
}

// Free scrubs the key pages and unmaps them. Key pages never linger in a
// cache, the address space is gone when this returns.
func (k *KeyHeap) Free(b []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.down {
		panic("lockmem: key free after teardown")
	}
	d := k.lookup(b)

	if err := k.pool.Transition(d, vmem.ReadWrite); err == nil {
		vmem.Wipe(d.Data())
	}
	delete(k.live, d.Base())
	k.pool.Release(d)
}

func (k *KeyHeap) lookup(b []byte) *pool.Desc {
	addr := baseAddr(b)
	d := k.live[addr&^vmem.PageMask()]
	if d == nil {
		panic("lockmem: unknown key region")
	}
	k.pool.Verify(d)
	return d
}

// Teardown scrubs and releases every live key region.
func (k *KeyHeap) Teardown() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.down {
		return
	}
	k.down = true

	for base, d := range k.live {
		if err := k.pool.Transition(d, vmem.ReadWrite); err == nil {
			vmem.Wipe(d.Data())
		}
		k.pool.Release(d)
		delete(k.live, base)
	}
}

func (k *KeyHeap) LiveRegions() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.live)
}
